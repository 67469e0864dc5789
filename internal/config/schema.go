package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaSource string

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func configSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiledSchema, schemaErr = jsonschema.CompileString("config.schema.json", schemaSource)
	})
	return compiledSchema, schemaErr
}

// validateSchema checks the raw document, before defaults are merged, so that
// typos in section or field types are reported instead of silently ignored.
func validateSchema(data []byte, format Format) error {
	schema, err := configSchema()
	if err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	raw := data
	if format == FormatYAML {
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parse config yaml: %w", err)
		}
		if doc == nil {
			return nil
		}
		if raw, err = json.Marshal(doc); err != nil {
			return fmt.Errorf("convert yaml document: %w", err)
		}
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return schema.Validate(doc)
}
