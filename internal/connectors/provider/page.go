package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Lookup walks a dot separated path of object keys through a JSON document.
// An empty path returns the document itself.
func Lookup(body []byte, path string) (json.RawMessage, bool) {
	cur := json.RawMessage(bytes.TrimSpace(body))
	if path == "" {
		return cur, len(cur) > 0
	}
	for key := range strings.SplitSeq(path, ".") {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(cur, &obj); err != nil {
			return nil, false
		}
		next, ok := obj[key]
		if !ok || isNull(next) {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// Items decodes the record array found at path. A missing array is an empty
// page, anything else that is not an array is an error.
func Items(body []byte, path string) ([]json.RawMessage, error) {
	raw, ok := Lookup(body, path)
	if !ok {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode %q items: %w", path, err)
	}
	return items, nil
}

// StringField reads a scalar at path as a string. Numbers keep their JSON
// text.
func StringField(body []byte, path string) string {
	raw, ok := Lookup(body, path)
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// BoolField reads a boolean at path.
func BoolField(body []byte, path string) bool {
	raw, ok := Lookup(body, path)
	if !ok {
		return false
	}
	var b bool
	_ = json.Unmarshal(raw, &b)
	return b
}

// ParseNextLink extracts the rel="next" target of an RFC 8288 Link header.
func ParseNextLink(linkHeader string) string {
	if linkHeader == "" {
		return ""
	}
	for part := range strings.SplitSeq(linkHeader, ",") {
		if !strings.Contains(part, `rel="next"`) {
			continue
		}
		start := strings.Index(part, "<")
		end := strings.Index(part, ">")
		if start >= 0 && end > start {
			return strings.TrimSpace(part[start+1 : end])
		}
	}
	return ""
}

// QueryParam returns one query parameter of a URL, or "".
func QueryParam(rawURL, key string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Query().Get(key)
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
