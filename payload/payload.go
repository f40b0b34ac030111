// Package payload builds the JSON-shaped detection payload as a value tree
// and encodes it under a hard byte limit.
package payload

import (
	"errors"
	"math"
	"strconv"

	gojson "github.com/goccy/go-json"
)

// ErrTruncated is returned when the encoded value does not fit the limit.
var ErrTruncated = errors.New("payload exceeds byte limit")

type Value interface {
	encode(w *writer) error
}

type Field struct {
	Key   string
	Value Value
}

// Object keeps its fields in insertion order.
type Object []Field

type Array []Value

// Float is written with a fixed number of decimals.
type Float struct {
	V    float64
	Prec int
}

type Int int64

type Bool bool

type String string

// Null is the JSON null literal.
var Null Value = null{}

type null struct{}

func F2(v float64) Float { return Float{V: v, Prec: 2} }
func F6(v float64) Float { return Float{V: v, Prec: 6} }

type writer struct {
	buf   []byte
	start int
	limit int
}

func (w *writer) write(p []byte) error {
	if w.limit > 0 && len(w.buf)-w.start+len(p) > w.limit {
		return ErrTruncated
	}
	w.buf = append(w.buf, p...)
	return nil
}

func (w *writer) writeString(s string) error {
	if w.limit > 0 && len(w.buf)-w.start+len(s) > w.limit {
		return ErrTruncated
	}
	w.buf = append(w.buf, s...)
	return nil
}

// Encode returns the encoding of v. limit <= 0 disables the limit.
func Encode(v Value, limit int) ([]byte, error) {
	return AppendEncode(nil, v, limit)
}

// AppendEncode appends the encoding of v to dst. The limit applies to the
// appended bytes only. On error dst is returned unchanged.
func AppendEncode(dst []byte, v Value, limit int) ([]byte, error) {
	w := &writer{buf: dst, start: len(dst), limit: limit}
	if err := v.encode(w); err != nil {
		return dst[:w.start], err
	}
	return w.buf, nil
}

// Quote returns s as a JSON string literal.
func Quote(s string) string {
	b, err := gojson.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(b)
}

func (o Object) encode(w *writer) error {
	if err := w.writeString("{"); err != nil {
		return err
	}
	for i, f := range o {
		if i > 0 {
			if err := w.writeString(", "); err != nil {
				return err
			}
		}
		if err := w.writeString(Quote(f.Key)); err != nil {
			return err
		}
		if err := w.writeString(":"); err != nil {
			return err
		}
		if err := f.Value.encode(w); err != nil {
			return err
		}
	}
	return w.writeString("}")
}

func (a Array) encode(w *writer) error {
	if err := w.writeString("["); err != nil {
		return err
	}
	for i, v := range a {
		if i > 0 {
			if err := w.writeString(","); err != nil {
				return err
			}
		}
		if err := v.encode(w); err != nil {
			return err
		}
	}
	return w.writeString("]")
}

func (f Float) encode(w *writer) error {
	if math.IsNaN(f.V) || math.IsInf(f.V, 0) {
		return w.writeString("null")
	}
	var scratch [32]byte
	return w.write(strconv.AppendFloat(scratch[:0], f.V, 'f', f.Prec, 64))
}

func (i Int) encode(w *writer) error {
	var scratch [24]byte
	return w.write(strconv.AppendInt(scratch[:0], int64(i), 10))
}

func (b Bool) encode(w *writer) error {
	if b {
		return w.writeString("true")
	}
	return w.writeString("false")
}

func (s String) encode(w *writer) error {
	return w.writeString(Quote(string(s)))
}

func (null) encode(w *writer) error {
	return w.writeString("null")
}

func KV(key string, v Value) Field { return Field{Key: key, Value: v} }
