// Package value implements the canonical "value notation" (§6.3): the
// textual grammar that is both the format objects are expressed in and,
// once canonicalized, the exact byte sequence fed to BLAKE3 to derive a
// content-addressed ID.
package value

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"tangram.dev/tangram/pkg/terror"
)

// Kind discriminates the variants of Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindMap
	KindBytes
	KindMutation
	KindTemplate
	KindObject
)

// Value is a node in the value-notation tree. Array and Template share
// the Array field; Map, Mutation, and Object fields share the Map field
// with Str carrying the object constructor's type name for KindObject.
type Value struct {
	Kind   Kind
	Bool   bool
	Number float64
	Str    string
	Array  []Value
	Map    map[string]Value
	Bytes  []byte
}

func Null() Value                  { return Value{Kind: KindNull} }
func Bool(b bool) Value            { return Value{Kind: KindBool, Bool: b} }
func Number(n float64) Value       { return Value{Kind: KindNumber, Number: n} }
func String(s string) Value        { return Value{Kind: KindString, Str: s} }
func Array(elems ...Value) Value   { return Value{Kind: KindArray, Array: elems} }
func Map(fields map[string]Value) Value {
	return Value{Kind: KindMap, Map: fields}
}
func Bytes(b []byte) Value { return Value{Kind: KindBytes, Bytes: b} }
func Mutation(fields map[string]Value) Value {
	return Value{Kind: KindMutation, Map: fields}
}
func Template(components ...Value) Value {
	return Value{Kind: KindTemplate, Array: components}
}
func Object(kind string, fields map[string]Value) Value {
	return Value{Kind: KindObject, Str: kind, Map: fields}
}

// Field looks up a key in a Map/Mutation/Object value.
func (v Value) Field(key string) (Value, bool) {
	f, ok := v.Map[key]
	return f, ok
}

// Canonical renders the value's canonical serialization: map keys sorted,
// no insignificant whitespace, a fixed number format. This is the exact
// byte sequence whose BLAKE3 hash is the object's content-addressed ID.
func (v Value) Canonical() []byte {
	var b strings.Builder
	v.writeCanonical(&b)
	return []byte(b.String())
}

func (v Value) writeCanonical(b *strings.Builder) {
	switch v.Kind {
	case KindNull:
		b.WriteString("null")
	case KindBool:
		if v.Bool {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case KindNumber:
		b.WriteString(strconv.FormatFloat(v.Number, 'g', -1, 64))
	case KindString:
		b.WriteString(strconv.Quote(v.Str))
	case KindArray:
		writeArray(b, v.Array)
	case KindMap:
		writeMap(b, v.Map)
	case KindBytes:
		b.WriteString("tg.bytes(")
		b.WriteString(strconv.Quote(base64.StdEncoding.EncodeToString(v.Bytes)))
		b.WriteString(")")
	case KindMutation:
		b.WriteString("tg.mutation(")
		writeMap(b, v.Map)
		b.WriteString(")")
	case KindTemplate:
		b.WriteString("tg.template(")
		writeArray(b, v.Array)
		b.WriteString(")")
	case KindObject:
		b.WriteString(v.Str)
		b.WriteString("(")
		writeMap(b, v.Map)
		b.WriteString(")")
	}
}

func writeArray(b *strings.Builder, elems []Value) {
	b.WriteString("[")
	for i, e := range elems {
		if i > 0 {
			b.WriteString(",")
		}
		e.writeCanonical(b)
	}
	b.WriteString("]")
}

func writeMap(b *strings.Builder, fields map[string]Value) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b.WriteString("{")
	for i, k := range keys {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(strconv.Quote(k))
		b.WriteString(":")
		fields[k].writeCanonical(b)
	}
	b.WriteString("}")
}

// Parse reads a value-notation document and returns its domain tree.
func Parse(text string) (Value, error) {
	doc, err := parser.ParseString("", text)
	if err != nil {
		return Value{}, terror.Wrap(terror.Invalid, err, "parsing value notation")
	}
	return fromAST(doc.Value)
}

func fromAST(a *astValue) (Value, error) {
	switch {
	case a.Null:
		return Null(), nil
	case a.True:
		return Bool(true), nil
	case a.False:
		return Bool(false), nil
	case a.Number != nil:
		return Number(*a.Number), nil
	case a.Str != nil:
		return String(*a.Str), nil
	case a.Array != nil:
		elems := make([]Value, 0, len(a.Array.Elements))
		for _, e := range a.Array.Elements {
			v, err := fromAST(e)
			if err != nil {
				return Value{}, err
			}
			elems = append(elems, v)
		}
		return Array(elems...), nil
	case a.Map != nil:
		fields, err := mapFromAST(a.Map)
		if err != nil {
			return Value{}, err
		}
		return Map(fields), nil
	case a.Call != nil:
		return callFromAST(a.Call)
	}
	return Value{}, terror.New(terror.Invalid, "empty value-notation node")
}

func mapFromAST(m *astMap) (map[string]Value, error) {
	fields := make(map[string]Value, len(m.Entries))
	for _, entry := range m.Entries {
		v, err := fromAST(entry.Value)
		if err != nil {
			return nil, err
		}
		fields[entry.Key] = v
	}
	return fields, nil
}

func callFromAST(c *astCall) (Value, error) {
	callee := c.callee()
	switch callee {
	case "tg.bytes":
		if len(c.Args) != 1 || c.Args[0].Str == nil {
			return Value{}, terror.New(terror.Invalid, "tg.bytes expects a single string argument")
		}
		raw, err := base64.StdEncoding.DecodeString(*c.Args[0].Str)
		if err != nil {
			return Value{}, terror.Wrap(terror.Invalid, err, "decoding tg.bytes argument")
		}
		return Bytes(raw), nil
	case "tg.mutation":
		if len(c.Args) != 1 || c.Args[0].Map == nil {
			return Value{}, terror.New(terror.Invalid, "tg.mutation expects a single map argument")
		}
		fields, err := mapFromAST(c.Args[0].Map)
		if err != nil {
			return Value{}, err
		}
		return Mutation(fields), nil
	case "tg.template":
		if len(c.Args) != 1 || c.Args[0].Array == nil {
			return Value{}, terror.New(terror.Invalid, "tg.template expects a single array argument")
		}
		components := make([]Value, 0, len(c.Args[0].Array.Elements))
		for _, e := range c.Args[0].Array.Elements {
			v, err := fromAST(e)
			if err != nil {
				return Value{}, err
			}
			components = append(components, v)
		}
		return Template(components...), nil
	default:
		if len(c.Args) != 1 || c.Args[0].Map == nil {
			return Value{}, terror.New(terror.Invalid, "object constructor %q expects a single map argument", callee)
		}
		fields, err := mapFromAST(c.Args[0].Map)
		if err != nil {
			return Value{}, err
		}
		return Object(callee, fields), nil
	}
}

// String implements fmt.Stringer by rendering the canonical form.
func (v Value) String() string {
	return string(v.Canonical())
}

var _ fmt.Stringer = Value{}
