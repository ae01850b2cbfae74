package config

import "github.com/born-ml/solver/internal/prototxt"

// Decoder reads typed fields from a message and keeps the first error, so a
// run of field reads can be checked once at the end. Done additionally
// rejects fields that no read asked for.
type Decoder struct {
	msg  *prototxt.Message
	err  error
	read map[string]bool
}

// NewDecoder wraps msg. A nil message decodes every field to its default.
func NewDecoder(msg *prototxt.Message) *Decoder {
	if msg == nil {
		msg = &prototxt.Message{}
	}
	return &Decoder{msg: msg, read: make(map[string]bool)}
}

// Err returns the first error encountered.
func (d *Decoder) Err() error {
	return d.err
}

// Done returns the first error encountered or, failing that, an error naming
// the first field of the message that was never read.
func (d *Decoder) Done() error {
	if d.err != nil {
		return d.err
	}
	for _, f := range d.msg.Fields {
		if !d.read[f.Name] {
			return &prototxt.FieldError{Field: f.Name, Line: f.Line, Column: f.Column, Msg: "no field of that name"}
		}
	}
	return nil
}

// Skip marks fields as handled elsewhere.
func (d *Decoder) Skip(names ...string) {
	for _, name := range names {
		d.read[name] = true
	}
}

// Has reports whether the field is present.
func (d *Decoder) Has(name string) bool {
	d.read[name] = true
	return d.msg.Has(name)
}

// String reads a singular string field.
func (d *Decoder) String(name, def string) string {
	d.read[name] = true
	v, err := d.msg.String(name, def)
	d.keep(err)
	return v
}

// Strings reads a repeated string field.
func (d *Decoder) Strings(name string) []string {
	d.read[name] = true
	v, err := d.msg.Strings(name)
	d.keep(err)
	return v
}

// Float reads a singular float field.
func (d *Decoder) Float(name string, def float64) float64 {
	d.read[name] = true
	v, err := d.msg.Float(name, def)
	d.keep(err)
	return v
}

// Floats reads a repeated float field.
func (d *Decoder) Floats(name string) []float64 {
	d.read[name] = true
	v, err := d.msg.Floats(name)
	d.keep(err)
	return v
}

// Int reads a singular integer field.
func (d *Decoder) Int(name string, def int) int {
	d.read[name] = true
	v, err := d.msg.Int(name, def)
	d.keep(err)
	return v
}

// Ints reads a repeated integer field.
func (d *Decoder) Ints(name string) []int {
	d.read[name] = true
	v, err := d.msg.Ints(name)
	d.keep(err)
	return v
}

// Bool reads a singular bool field.
func (d *Decoder) Bool(name string, def bool) bool {
	d.read[name] = true
	v, err := d.msg.Bool(name, def)
	d.keep(err)
	return v
}

// Message reads a singular nested message. Absent messages decode as nil.
func (d *Decoder) Message(name string) *prototxt.Message {
	d.read[name] = true
	v, err := d.msg.Message(name)
	d.keep(err)
	return v
}

// Messages reads a repeated nested message field.
func (d *Decoder) Messages(name string) []*prototxt.Message {
	d.read[name] = true
	v, err := d.msg.Messages(name)
	d.keep(err)
	return v
}

func (d *Decoder) keep(err error) {
	if err != nil && d.err == nil {
		d.err = err
	}
}
