package entity

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
)

const (
	fieldExternalID = "externalId"
	fieldMetadata   = "metadata"
)

// ErrMissingExternalID is returned when a record maps to no external id.
var ErrMissingExternalID = errors.New("normalized record has no externalId")

var knownFields = map[Kind]map[string]struct{}{}

func init() {
	for _, kind := range Kinds() {
		e, _ := New(kind)
		knownFields[kind] = jsonFieldNames(reflect.TypeOf(e).Elem())
	}
}

func jsonFieldNames(t reflect.Type) map[string]struct{} {
	out := make(map[string]struct{})
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Anonymous && f.Type.Kind() == reflect.Struct {
			for name := range jsonFieldNames(f.Type) {
				out[name] = struct{}{}
			}
			continue
		}
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			continue
		}
		out[name] = struct{}{}
	}
	return out
}

// FromFields builds a typed entity from a flat field map. Keys that are not
// part of the kind's schema are kept under Metadata.
func FromFields(kind Kind, fields map[string]any) (Entity, error) {
	known, ok := knownFields[kind]
	if !ok {
		return nil, fmt.Errorf("unknown entity type %q", kind)
	}

	id, err := externalID(fields[fieldExternalID])
	if err != nil {
		return nil, err
	}

	typed := make(map[string]any, len(fields))
	metadata := make(map[string]any)
	for key, value := range fields {
		switch key {
		case fieldExternalID:
			typed[key] = id
		case fieldMetadata:
			nested, ok := value.(map[string]any)
			if !ok {
				metadata[fieldMetadata] = value
				continue
			}
			for k, v := range nested {
				metadata[k] = v
			}
		default:
			if _, ok := known[key]; ok {
				typed[key] = value
			} else {
				metadata[key] = value
			}
		}
	}
	if len(metadata) > 0 {
		typed[fieldMetadata] = metadata
	}

	raw, err := json.Marshal(typed)
	if err != nil {
		return nil, fmt.Errorf("encode %s fields: %w", kind, err)
	}
	e, err := Unmarshal(kind, raw)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func externalID(v any) (string, error) {
	var id string
	switch t := v.(type) {
	case nil:
	case string:
		id = t
	case json.Number:
		id = t.String()
	case fmt.Stringer:
		id = t.String()
	default:
		id = fmt.Sprint(t)
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return "", ErrMissingExternalID
	}
	return id, nil
}
