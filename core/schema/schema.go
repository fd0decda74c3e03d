package schema

import (
	"embed"
	"fmt"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/xeipuuv/gojsonschema"

	"github.com/relabs-tech/bastion/core"
)

// Validator validates JSON documents against a set of compiled schemas
type Validator struct {
	schemaValidators map[string]*gojsonschema.Schema
}

// NewValidatorFromFS creates a new Validator using schemas from schemaFS. Json files
// from dir will be used as toplevel schemas, while json files in dir/refs/ will be used
// as references. The refs directory is optional.
func NewValidatorFromFS(schemaFS embed.FS, dir string) (*Validator, error) {

	readDir := func(dir string, optional bool) ([]string, error) {
		var strs []string
		files, err := schemaFS.ReadDir(dir)
		if err != nil {
			if optional {
				return nil, nil
			}
			return nil, fmt.Errorf("cannot read dir %w", err)
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
				continue
			}
			fullPath := f.Name()
			if dir != "." {
				fullPath = dir + "/" + f.Name()
			}
			str, err := schemaFS.ReadFile(fullPath)
			if err != nil {
				return nil, fmt.Errorf("cannot read file '%s' %w", f.Name(), err)
			}
			strs = append(strs, string(str))
		}
		return strs, nil
	}

	schemasString, err := readDir(dir, false)
	if err != nil {
		return nil, err
	}

	refsString, err := readDir(dir+"/refs", true)
	if err != nil {
		return nil, err
	}

	return NewValidator(schemasString, refsString)
}

// NewValidator creates a new Validator using schemas for the top level JSON schemas and refs
// for refs that may be referenced in the top level schemas. Top level schemas cannot reference each
// others. If a reference is mentioned, it can only be in the list of refs
func NewValidator(schemas []string, refs []string) (*Validator, error) {
	type schema struct {
		ID string `json:"$id"`
	}
	validator := Validator{schemaValidators: make(map[string]*gojsonschema.Schema)}
	for _, str := range schemas {
		s := schema{}
		err := json.Unmarshal([]byte(str), &s)
		if err != nil {
			return nil, fmt.Errorf("parse error '%v' in schema: '%s'", err, str)
		}
		if s.ID == "" {
			return nil, fmt.Errorf("schema does not contain $id: '%s'", str)
		}
		sl := gojsonschema.NewSchemaLoader()

		for _, ref := range refs {
			loader := gojsonschema.NewStringLoader(ref)
			err := sl.AddSchemas(loader)
			if err != nil {
				return nil, fmt.Errorf("cannot add ref %s %s", refs, err)
			}
		}
		schema, err := sl.Compile(gojsonschema.NewStringLoader(str))
		if err != nil {
			return nil, fmt.Errorf("cannot compile schema %s %s", s.ID, err)
		}
		validator.schemaValidators[s.ID] = schema
	}

	return &validator, nil
}

// HasSchema returns true if schemaID is known
func (v *Validator) HasSchema(schemaID string) bool {
	_, ok := v.schemaValidators[schemaID]
	return ok
}

// SchemaIDs returns the ids of all known schemas, sorted
func (v *Validator) SchemaIDs() []string {
	ids := make([]string, 0, len(v.schemaValidators))
	for id := range v.schemaValidators {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ValidateStruct validates the given json as a struct against schemaID. If no error is returned,
// then the passed json is valid
func (v *Validator) ValidateStruct(json interface{}, schemaID string) error {
	return v.validate(gojsonschema.NewGoLoader(json), schemaID)
}

// ValidateString validates the given json against schemaID. If no error is returned, then the
// passed json is valid
func (v *Validator) ValidateString(json, schemaID string) error {
	return v.validate(gojsonschema.NewStringLoader(json), schemaID)
}

// ValidateBytes validates the given json against schemaID
func (v *Validator) ValidateBytes(json []byte, schemaID string) error {
	return v.validate(gojsonschema.NewBytesLoader(json), schemaID)
}

// validate validates the given loader against schemaID. An invalid document
// yields a validation error naming the offending fields.
func (v *Validator) validate(loader gojsonschema.JSONLoader, schemaID string) error {

	schema, ok := v.schemaValidators[schemaID]
	if !ok {
		return fmt.Errorf("there is no schema %s ", schemaID)
	}

	result, err := schema.Validate(loader)
	if err != nil {
		return core.Errorf(core.KindValidation, "document is not valid JSON: %s", err)
	}

	if !result.Valid() {
		var (
			details []string
			fields  []string
		)
		for _, e := range result.Errors() {
			details = append(details, e.String())
			field := e.Field()
			if property, ok := e.Details()["property"].(string); ok && e.Type() == "required" {
				field = property
				if parent := strings.TrimPrefix(e.Context().String(), rootField); parent != "" {
					field = strings.TrimPrefix(parent, ".") + "." + property
				}
			}
			if !contains(fields, field) {
				fields = append(fields, field)
			}
		}
		return core.Errorf(core.KindValidation, "the document is not valid: %s", strings.Join(details, "; ")).WithParams(fields...)
	}
	return nil
}

// gojsonschema names the document root like this
const rootField = "(root)"

func contains(list []string, s string) bool {
	for _, l := range list {
		if l == s {
			return true
		}
	}
	return false
}
