package core

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"unicode/utf8"
)

// ValueKind tags the shape held by a Value.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindString
	KindStringList
	KindObject
)

func (k ValueKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindStringList:
		return "string_list"
	case KindObject:
		return "object"
	default:
		return "null"
	}
}

// Value is a tagged payload used where collaborators send loosely shaped JSON:
// alias tokens, mentioned files and raw atom results.
type Value struct {
	kind ValueKind
	str  string
	list []string
	raw  json.RawMessage
}

// StringValue wraps a string.
func StringValue(s string) Value {
	return Value{kind: KindString, str: s}
}

// ListValue wraps a list of strings.
func ListValue(items []string) Value {
	cp := make([]string, len(items))
	copy(cp, items)
	return Value{kind: KindStringList, list: cp}
}

// ObjectValue wraps any other JSON document (objects, numbers, mixed arrays).
func ObjectValue(raw json.RawMessage) Value {
	if len(bytes.TrimSpace(raw)) == 0 {
		return Value{}
	}
	cp := make(json.RawMessage, len(raw))
	copy(cp, raw)
	return Value{kind: KindObject, raw: cp}
}

// NullValue is the empty value.
func NullValue() Value { return Value{} }

// ValueFromJSON classifies raw JSON into a Value. Arrays made only of strings become
// string lists; everything that is not a string, list of strings or null is an object.
func ValueFromJSON(raw json.RawMessage) Value {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Value{}
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return StringValue(s)
		}
	case '[':
		var items []string
		if err := json.Unmarshal(trimmed, &items); err == nil {
			return ListValue(items)
		}
	}
	return ObjectValue(trimmed)
}

// Kind returns the tag.
func (v Value) Kind() ValueKind { return v.kind }

// IsNull reports whether the value is empty.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsString returns the string and whether the value is a string.
func (v Value) AsString() (string, bool) {
	return v.str, v.kind == KindString
}

// AsList returns the list and whether the value is a string list.
func (v Value) AsList() ([]string, bool) {
	if v.kind != KindStringList {
		return nil, false
	}
	cp := make([]string, len(v.list))
	copy(cp, v.list)
	return cp, true
}

// Raw returns the JSON encoding of the value.
func (v Value) Raw() json.RawMessage {
	data, _ := v.MarshalJSON()
	return data
}

// Lookup reads a top-level string field from an object value.
func (v Value) Lookup(key string) (string, bool) {
	if v.kind != KindObject {
		return "", false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(v.raw, &fields); err != nil {
		return "", false
	}
	s, ok := ValueFromJSON(fields[key]).AsString()
	return s, ok && s != ""
}

// Equal compares two values structurally.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == other.str
	case KindStringList:
		if len(v.list) != len(other.list) {
			return false
		}
		for i := range v.list {
			if v.list[i] != other.list[i] {
				return false
			}
		}
		return true
	case KindObject:
		return bytes.Equal(v.raw, other.raw)
	default:
		return true
	}
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindStringList:
		return json.Marshal(v.list)
	case KindObject:
		return v.raw, nil
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	*v = ValueFromJSON(data)
	return nil
}

// NormalizeFileList turns a loosely shaped file list into strings. A single string
// becomes a one element list; list entries may be strings, arrays of byte values or
// binary objects ({"data":[...]} or {"$binary":"<base64>"}). Entries that do not
// decode to valid UTF-8 are dropped. Any other shape yields an empty list.
func NormalizeFileList(raw json.RawMessage) []string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return []string{}
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil || s == "" {
			return []string{}
		}
		return []string{s}
	case '[':
		var entries []json.RawMessage
		if err := json.Unmarshal(trimmed, &entries); err != nil {
			return []string{}
		}
		out := make([]string, 0, len(entries))
		for _, entry := range entries {
			if s, ok := decodeFileEntry(entry); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return []string{}
	}
}

func decodeFileEntry(entry json.RawMessage) (string, bool) {
	entry = bytes.TrimSpace(entry)
	if len(entry) == 0 {
		return "", false
	}
	switch entry[0] {
	case '"':
		var s string
		if err := json.Unmarshal(entry, &s); err != nil || s == "" {
			return "", false
		}
		return s, utf8.ValidString(s)
	case '[':
		var b []byte
		var ints []int
		if err := json.Unmarshal(entry, &ints); err != nil {
			return "", false
		}
		for _, n := range ints {
			if n < 0 || n > 255 {
				return "", false
			}
			b = append(b, byte(n))
		}
		if len(b) == 0 || !utf8.Valid(b) {
			return "", false
		}
		return string(b), true
	case '{':
		// {"type":"Buffer","data":[...]} or {"$binary":"<base64>"}
		var obj struct {
			Data   []int  `json:"data"`
			Binary string `json:"$binary"`
		}
		if err := json.Unmarshal(entry, &obj); err != nil {
			return "", false
		}
		if obj.Binary != "" {
			b, err := base64.StdEncoding.DecodeString(obj.Binary)
			if err != nil || len(b) == 0 || !utf8.Valid(b) {
				return "", false
			}
			return string(b), true
		}
		if len(obj.Data) == 0 {
			return "", false
		}
		ints, _ := json.Marshal(obj.Data)
		return decodeFileEntry(ints)
	default:
		return "", false
	}
}

// Truncate shortens s to at most n bytes without splitting a rune and marks
// the cut with "...".
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
