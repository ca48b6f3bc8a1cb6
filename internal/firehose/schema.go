package firehose

import (
	"bytes"
	"embed"
	"fmt"

	"github.com/blackmichael/statusphere/internal/domain"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBaseURL = "https://zzstoatzz.io/schemas/"

var schemaFiles = map[string]string{
	domain.StatusCollection:      "status.json",
	domain.PreferencesCollection: "preferences.json",
}

// recordValidator checks record payloads against the JSON schema of their
// collection before they are decoded.
type recordValidator struct {
	schemas map[string]*jsonschema.Schema
}

func newRecordValidator() (*recordValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	v := &recordValidator{schemas: make(map[string]*jsonschema.Schema)}
	for collection, file := range schemaFiles {
		data, err := schemaFS.ReadFile("schemas/" + file)
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", file, err)
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", file, err)
		}
		if err := c.AddResource(schemaBaseURL+file, doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", file, err)
		}
		sch, err := c.Compile(schemaBaseURL + file)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", file, err)
		}
		v.schemas[collection] = sch
	}
	return v, nil
}

func (v *recordValidator) validate(collection string, raw []byte) error {
	sch, ok := v.schemas[collection]
	if !ok {
		return fmt.Errorf("no schema for %s", collection)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("record does not match %s: %w", collection, err)
	}
	return nil
}
