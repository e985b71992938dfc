package registry

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tallyhq/tally/internal/transform"
	"gopkg.in/yaml.v3"
)

//go:embed definitions/*.yaml
var builtinDefinitions embed.FS

// ErrInvalidDefinition wraps every definition loading failure.
var ErrInvalidDefinition = errors.New("invalid connector definition")

// ParseDefinition decodes a YAML (or JSON) definition, validates it against
// the schema and checks its cross references.
func ParseDefinition(raw []byte, engine *transform.Engine) (*ConnectorDefinition, error) {
	var v any
	if err := yaml.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: parse yaml: %w", ErrInvalidDefinition, err)
	}
	doc, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal json: %w", ErrInvalidDefinition, err)
	}
	if err := ValidateDocument(doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
	}

	var def ConnectorDefinition
	if err := json.Unmarshal(doc, &def); err != nil {
		return nil, fmt.Errorf("%w: decode: %w", ErrInvalidDefinition, err)
	}
	def.normalize()
	if err := def.Validate(engine); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
	}
	return &def, nil
}

// BuiltinDefinition loads the embedded definition for slug.
func BuiltinDefinition(slug string, engine *transform.Engine) (*ConnectorDefinition, error) {
	name := path.Join("definitions", normalizeSlug(slug)+".yaml")
	raw, err := builtinDefinitions.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("%w %q", ErrUnknownProvider, slug)
	}
	def, err := ParseDefinition(raw, engine)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return def, nil
}

// LoadDir parses every *.yaml and *.yml file in dir, sorted by name.
// Duplicate slugs are rejected.
func LoadDir(dir string, engine *transform.Engine) ([]*ConnectorDefinition, error) {
	return loadFS(os.DirFS(dir), ".", dir, engine)
}

func loadFS(fsys fs.FS, root, label string, engine *transform.Engine) ([]*ConnectorDefinition, error) {
	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return nil, fmt.Errorf("read definitions dir %s: %w", label, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := make([]*ConnectorDefinition, 0, len(names))
	seen := make(map[string]string, len(names))
	for _, name := range names {
		raw, err := fs.ReadFile(fsys, path.Join(root, name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		def, err := ParseDefinition(raw, engine)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if prev, ok := seen[def.Slug]; ok {
			return nil, fmt.Errorf("%w: slug %q defined in both %s and %s", ErrInvalidDefinition, def.Slug, prev, name)
		}
		seen[def.Slug] = name
		out = append(out, def)
	}
	return out, nil
}
