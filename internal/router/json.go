package router

import (
	"strings"

	"github.com/goccy/go-json"
)

// Field is an ordered JSON object member.
type Field struct {
	Key   string
	Value string
}

// Serialize renders fields as a flat JSON object of strings, keeping their
// order: {"k": "v", "k2": "v2"}.
func Serialize(fields ...Field) string {
	var b strings.Builder
	b.WriteByte('{')
	for i, f := range fields {
		if i > 0 {
			b.WriteString(", ")
		}
		writeString(&b, f.Key)
		b.WriteString(": ")
		writeString(&b, f.Value)
	}
	b.WriteByte('}')
	return b.String()
}

func writeString(b *strings.Builder, s string) {
	q, err := json.Marshal(s)
	if err != nil {
		// Strings always marshal.
		panic(err)
	}
	b.Write(q)
}

// GetValue returns the string member key of the JSON object in body, or ""
// when body is not an object or the member is missing or not a string.
func GetValue(body []byte, key string) string {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return ""
	}
	raw, ok := obj[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// JSON returns an application/json response carrying Serialize(fields...).
func JSON(status int, fields ...Field) Response {
	return Response{Status: status, ContentType: "application/json", Body: []byte(Serialize(fields...))}
}
