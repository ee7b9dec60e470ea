package backend

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Kind is the type tag of an option Value.
type Kind uint8

const (
	KindBool Kind = iota + 1
	KindInt
	KindFloat
	KindString
	KindDuration
)

var kindNames = map[Kind]string{
	KindBool:     "bool",
	KindInt:      "int",
	KindFloat:    "float",
	KindString:   "string",
	KindDuration: "duration",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Value is a tagged union holding one option value.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	d    time.Duration
}

func Bool(v bool) Value { return Value{kind: KindBool, b: v} }

func Int(v int64) Value { return Value{kind: KindInt, i: v} }

func Float(v float64) Value { return Value{kind: KindFloat, f: v} }

func String(v string) Value { return Value{kind: KindString, s: v} }

func Duration(v time.Duration) Value { return Value{kind: KindDuration, d: v} }

// Kind returns the type tag.
func (v Value) Kind() Kind { return v.kind }

// ParseValue infers the kind of a textual option. The literals true and
// false, integers, floats and Go durations are recognized in that order;
// anything else is a string.
func ParseValue(s string) Value {
	switch s {
	case "true":
		return Bool(true)
	case "false":
		return Bool(false)
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Int(i)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return Float(f)
	}
	if d, err := time.ParseDuration(s); err == nil {
		return Duration(d)
	}
	return String(s)
}

func (v Value) Bool() (bool, error) {
	if v.kind != KindBool {
		return false, v.mismatch(KindBool)
	}
	return v.b, nil
}

func (v Value) Int() (int64, error) {
	if v.kind != KindInt {
		return 0, v.mismatch(KindInt)
	}
	return v.i, nil
}

// Float accepts integer values as well.
func (v Value) Float() (float64, error) {
	switch v.kind {
	case KindFloat:
		return v.f, nil
	case KindInt:
		return float64(v.i), nil
	}
	return 0, v.mismatch(KindFloat)
}

func (v Value) Str() (string, error) {
	if v.kind != KindString {
		return "", v.mismatch(KindString)
	}
	return v.s, nil
}

// Duration accepts integer values as milliseconds.
func (v Value) Duration() (time.Duration, error) {
	switch v.kind {
	case KindDuration:
		return v.d, nil
	case KindInt:
		return time.Duration(v.i) * time.Millisecond, nil
	}
	return 0, v.mismatch(KindDuration)
}

func (v Value) String() string {
	switch v.kind {
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindString:
		return v.s
	case KindDuration:
		return v.d.String()
	}
	return "<unset>"
}

func (v Value) mismatch(want Kind) error {
	return fmt.Errorf("option value %q is %s, want %s", v.String(), v.kind, want)
}

// MarshalJSON encodes the value as its natural JSON type; durations are
// encoded as strings.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindBool:
		return json.Marshal(v.b)
	case KindInt:
		return json.Marshal(v.i)
	case KindFloat:
		return json.Marshal(v.f)
	case KindString, KindDuration:
		return json.Marshal(v.String())
	}
	return []byte("null"), nil
}

// UnmarshalJSON decodes JSON scalars. Strings go through ParseValue so that
// "250ms" becomes a duration.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch x := raw.(type) {
	case bool:
		*v = Bool(x)
	case float64:
		if x == float64(int64(x)) {
			*v = Int(int64(x))
		} else {
			*v = Float(x)
		}
	case string:
		*v = ParseValue(x)
	default:
		return fmt.Errorf("unsupported option value %s", data)
	}
	return nil
}

// Options maps option names to typed values. Each backend documents and
// validates its own keys.
type Options map[string]Value

// ParseOptions parses "key=value,key=value" into Options.
func ParseOptions(s string) (Options, error) {
	opts := Options{}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, val, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid option %q, want key=value", pair)
		}
		opts[strings.TrimSpace(key)] = ParseValue(strings.TrimSpace(val))
	}
	return opts, nil
}

// CheckKeys returns an error naming the first key not in known.
func (o Options) CheckKeys(known ...string) error {
	for _, key := range slices.Sorted(maps.Keys(o)) {
		if !slices.Contains(known, key) {
			return fmt.Errorf("unknown option %q (known: %s)", key, strings.Join(known, ", "))
		}
	}
	return nil
}

// Int returns the integer option key, or def when absent.
func (o Options) Int(key string, def int64) (int64, error) {
	v, ok := o[key]
	if !ok {
		return def, nil
	}
	i, err := v.Int()
	if err != nil {
		return 0, fmt.Errorf("option %s: %w", key, err)
	}
	return i, nil
}

// Duration returns the duration option key, or def when absent.
func (o Options) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := o[key]
	if !ok {
		return def, nil
	}
	d, err := v.Duration()
	if err != nil {
		return 0, fmt.Errorf("option %s: %w", key, err)
	}
	return d, nil
}

// String returns the string option key, or def when absent.
func (o Options) String(key string, def string) (string, error) {
	v, ok := o[key]
	if !ok {
		return def, nil
	}
	s, err := v.Str()
	if err != nil {
		return "", fmt.Errorf("option %s: %w", key, err)
	}
	return s, nil
}

// Bool returns the boolean option key, or def when absent.
func (o Options) Bool(key string, def bool) (bool, error) {
	v, ok := o[key]
	if !ok {
		return def, nil
	}
	b, err := v.Bool()
	if err != nil {
		return false, fmt.Errorf("option %s: %w", key, err)
	}
	return b, nil
}
