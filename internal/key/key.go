// Package key implements the composite identifiers that name units of work
// in the pipeline. A key is an ordered attribute→value mapping; equality is
// structural and order-insensitive, so two keys built from different schemas
// but carrying the same attributes name the same unit of work.
package key

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Attr is a single name/value pair. Values are canonical scalar text;
// numeric key attributes are stored in their decimal form.
type Attr struct {
	Name  string
	Value string
}

// Key is an immutable composite identifier. The zero Key is empty and valid.
type Key struct {
	attrs []Attr
}

// New builds a key from attrs, keeping their order for display. A later
// attribute with the same name replaces the earlier one.
func New(attrs ...Attr) Key {
	k := Key{}
	for _, a := range attrs {
		k = k.With(a.Name, a.Value)
	}
	return k
}

// With returns a copy with name set to value, preserving position if the
// attribute already exists.
func (k Key) With(name, value string) Key {
	out := make([]Attr, len(k.attrs))
	copy(out, k.attrs)
	for i, a := range out {
		if a.Name == name {
			out[i].Value = value
			return Key{attrs: out}
		}
	}
	return Key{attrs: append(out, Attr{Name: name, Value: value})}
}

func (k Key) Len() int { return len(k.attrs) }

// Names returns attribute names in display order.
func (k Key) Names() []string {
	out := make([]string, len(k.attrs))
	for i, a := range k.attrs {
		out[i] = a.Name
	}
	return out
}

// Attrs returns a copy of the attributes in display order.
func (k Key) Attrs() []Attr {
	out := make([]Attr, len(k.attrs))
	copy(out, k.attrs)
	return out
}

// Get returns the value for name.
func (k Key) Get(name string) (string, bool) {
	for _, a := range k.attrs {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// Restrict projects the key onto names, in the given order. ok is false if
// any name is missing.
func (k Key) Restrict(names []string) (Key, bool) {
	attrs := make([]Attr, 0, len(names))
	for _, n := range names {
		v, ok := k.Get(n)
		if !ok {
			return Key{}, false
		}
		attrs = append(attrs, Attr{Name: n, Value: v})
	}
	return Key{attrs: attrs}, true
}

// Covers reports whether every attribute of partial is present in k with the
// same value. An empty partial is covered by every key.
func (k Key) Covers(partial Key) bool {
	for _, a := range partial.attrs {
		v, ok := k.Get(a.Name)
		if !ok || v != a.Value {
			return false
		}
	}
	return true
}

// Merge joins two keys. Attributes present in both must agree; ok is false
// on a value conflict. Attributes of other not in k are appended.
func (k Key) Merge(other Key) (Key, bool) {
	out := k
	for _, a := range other.attrs {
		if v, ok := out.Get(a.Name); ok {
			if v != a.Value {
				return Key{}, false
			}
			continue
		}
		out = out.With(a.Name, a.Value)
	}
	return out, true
}

// Equal is structural and order-insensitive.
func (k Key) Equal(other Key) bool {
	return k.Encode() == other.Encode()
}

// String renders the key for logs, in display order.
func (k Key) String() string {
	parts := make([]string, len(k.attrs))
	for i, a := range k.attrs {
		parts[i] = a.Name + "=" + a.Value
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Encode returns the canonical text form: attributes sorted by name,
// percent-escaped, joined with "&". It is stable across attribute order and
// unambiguous, and doubles as the key's hash in storage.
func (k Key) Encode() string {
	attrs := make([]Attr, len(k.attrs))
	copy(attrs, k.attrs)
	sort.Slice(attrs, func(i, j int) bool { return attrs[i].Name < attrs[j].Name })
	parts := make([]string, len(attrs))
	for i, a := range attrs {
		parts[i] = url.QueryEscape(a.Name) + "=" + url.QueryEscape(a.Value)
	}
	return strings.Join(parts, "&")
}

// Decode parses the canonical form produced by Encode.
func Decode(s string) (Key, error) {
	if s == "" {
		return Key{}, nil
	}
	vals, err := url.ParseQuery(s)
	if err != nil {
		return Key{}, fmt.Errorf("decode key %q: %w", s, err)
	}
	names := make([]string, 0, len(vals))
	for n := range vals {
		names = append(names, n)
	}
	sort.Strings(names)
	attrs := make([]Attr, 0, len(names))
	for _, n := range names {
		attrs = append(attrs, Attr{Name: n, Value: vals.Get(n)})
	}
	return Key{attrs: attrs}, nil
}

// Parse builds a key from CLI-style "attr=value" arguments.
func Parse(args []string) (Key, error) {
	k := Key{}
	for _, arg := range args {
		name, value, found := strings.Cut(arg, "=")
		if !found || name == "" {
			return Key{}, fmt.Errorf("invalid key attribute %q, want attr=value", arg)
		}
		if _, dup := k.Get(name); dup {
			return Key{}, fmt.Errorf("duplicate key attribute %q", name)
		}
		k = k.With(name, value)
	}
	return k, nil
}

// MarshalJSON encodes the key as an object in display order.
func (k Key) MarshalJSON() ([]byte, error) {
	var b strings.Builder
	b.WriteByte('{')
	for i, a := range k.attrs {
		if i > 0 {
			b.WriteByte(',')
		}
		name, err := json.Marshal(a.Name)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(a.Value)
		if err != nil {
			return nil, err
		}
		b.Write(name)
		b.WriteByte(':')
		b.Write(value)
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}

// UnmarshalJSON accepts an object of string values. Attribute order follows
// sorted names; callers that care about display order re-project with
// Restrict against a schema.
func (k *Key) UnmarshalJSON(data []byte) error {
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	attrs := make([]Attr, 0, len(names))
	for _, n := range names {
		attrs = append(attrs, Attr{Name: n, Value: m[n]})
	}
	k.attrs = attrs
	return nil
}
