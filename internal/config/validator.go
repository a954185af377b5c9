package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// Validator checks a config file against the supervisor JSON schema. It
// catches typos and wrong types before the looser struct unmarshal does.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator creates a validator from the given schema file.
func NewValidator(schemaPath string) (*Validator, error) {
	compiler := jsonschema.NewCompiler()

	schema, err := compiler.Compile(schemaPath)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return &Validator{schema: schema}, nil
}

// ValidationError describes a single schema violation in a config file.
type ValidationError struct {
	File    string
	Path    string
	Message string
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Path != "" {
		return e.File + ": " + e.Path + ": " + e.Message
	}
	return e.File + ": " + e.Message
}

// ValidateFile validates the YAML config at path against the schema.
func (v *Validator) ValidateFile(path string) []ValidationError {
	data, err := os.ReadFile(path)
	if err != nil {
		return []ValidationError{{File: path, Message: fmt.Sprintf("failed to read file: %v", err)}}
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return []ValidationError{{File: path, Message: fmt.Sprintf("failed to parse YAML: %v", err)}}
	}

	if err := v.schema.Validate(doc); err != nil {
		if validationErr, ok := err.(*jsonschema.ValidationError); ok {
			return extractSchemaErrors(path, validationErr)
		}
		return []ValidationError{{File: path, Message: err.Error()}}
	}
	return nil
}

func extractSchemaErrors(file string, err *jsonschema.ValidationError) []ValidationError {
	var errors []ValidationError

	path := strings.Join(err.InstanceLocation, ".")
	if path == "" {
		path = "(root)"
	}
	errors = append(errors, ValidationError{
		File:    file,
		Path:    path,
		Message: err.Error(),
	})

	for _, cause := range err.Causes {
		errors = append(errors, extractSchemaErrors(file, cause)...)
	}
	return errors
}
