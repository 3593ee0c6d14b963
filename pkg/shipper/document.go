package shipper

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Document is a loosely structured JSON object as returned by the order,
// tracking and webhook endpoints, whose shapes vary by carrier.
type Document map[string]any

// String returns the first key holding a non-empty scalar, formatted as a string.
func (d Document) String(keys ...string) string {
	for _, key := range keys {
		if s := scalarString(d[key]); s != "" {
			return s
		}
	}
	return ""
}

// Map returns the nested object at key, or nil.
func (d Document) Map(key string) Document {
	if m, ok := d[key].(map[string]any); ok {
		return Document(m)
	}
	if m, ok := d[key].(Document); ok {
		return m
	}
	return nil
}

// List returns the nested array at key, or nil.
func (d Document) List(key string) []any {
	switch l := d[key].(type) {
	case []any:
		return l
	case []Document:
		out := make([]any, len(l))
		for i, m := range l {
			out[i] = m
		}
		return out
	}
	return nil
}

// Maps returns the objects of the nested array at key, skipping non-objects.
func (d Document) Maps(key string) []Document {
	list := d.List(key)
	if len(list) == 0 {
		return nil
	}
	out := make([]Document, 0, len(list))
	for _, item := range list {
		switch m := item.(type) {
		case map[string]any:
			out = append(out, Document(m))
		case Document:
			out = append(out, m)
		}
	}
	return out
}

// Has reports whether key is present.
func (d Document) Has(key string) bool {
	_, ok := d[key]
	return ok
}

func scalarString(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case json.Number:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		return strconv.FormatBool(val)
	default:
		return ""
	}
}

// DecodeDocument parses a JSON object. Numbers keep their textual form.
func DecodeDocument(data []byte) (Document, error) {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}
