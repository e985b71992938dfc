package registry

import (
	"bytes"
	_ "embed"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const definitionSchemaURL = "https://tally.dev/schemas/connector-definition.json"

var (
	//go:embed connector-definition.schema.json
	definitionSchemaJSON []byte

	definitionSchemaOnce sync.Once
	definitionSchema     *jsonschema.Schema
	definitionSchemaErr  error
)

func compiledDefinitionSchema() (*jsonschema.Schema, error) {
	definitionSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(definitionSchemaJSON))
		if err != nil {
			definitionSchemaErr = fmt.Errorf("parse connector definition schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(definitionSchemaURL, doc); err != nil {
			definitionSchemaErr = fmt.Errorf("add connector definition schema: %w", err)
			return
		}
		definitionSchema, definitionSchemaErr = c.Compile(definitionSchemaURL)
		if definitionSchemaErr != nil {
			definitionSchemaErr = fmt.Errorf("compile connector definition schema: %w", definitionSchemaErr)
		}
	})
	return definitionSchema, definitionSchemaErr
}

// ValidateDocument checks a JSON encoded definition against the schema.
func ValidateDocument(doc []byte) error {
	sch, err := compiledDefinitionSchema()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		return fmt.Errorf("decode definition: %w", err)
	}
	return sch.Validate(inst)
}
