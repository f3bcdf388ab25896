package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.mongodb.org/mongo-driver/bson"
	"gopkg.in/yaml.v3"

	"github.com/dan-strohschein/docmigrate/docerr"
)

// snapshotJSONSchema describes the tree form produced by Dump.
const snapshotJSONSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": {
    "type": "object",
    "additionalProperties": false,
    "properties": {
      "fields": {
        "type": "object",
        "additionalProperties": {
          "type": "object",
          "required": ["type_key"],
          "properties": {
            "type_key": {"type": "string", "minLength": 1},
            "db_field": {"type": ["string", "null"]},
            "target_doctype": {"type": ["string", "null"]}
          }
        }
      },
      "parameters": {
        "type": "object",
        "properties": {
          "collection": {"type": "string", "minLength": 1},
          "inherit": {"type": ["boolean", "null"]},
          "dynamic": {"type": ["boolean", "null"]}
        }
      },
      "indexes": {
        "type": "object",
        "additionalProperties": {
          "type": "object",
          "required": ["fields"],
          "properties": {
            "fields": {
              "type": "array",
              "minItems": 1,
              "items": {"type": "array", "minItems": 2, "maxItems": 2}
            }
          }
        }
      }
    }
  }
}`

var (
	validatorOnce sync.Once
	validator     *jsonschema.Schema
	validatorErr  error
)

func snapshotValidator() (*jsonschema.Schema, error) {
	validatorOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("snapshot.json", strings.NewReader(snapshotJSONSchema)); err != nil {
			validatorErr = err
			return
		}
		validator, validatorErr = compiler.Compile("snapshot.json")
	})
	return validator, validatorErr
}

// Validate checks the tree form of a schema against the snapshot JSON
// schema.
func Validate(tree map[string]interface{}) error {
	v, err := snapshotValidator()
	if err != nil {
		return fmt.Errorf("failed to compile snapshot schema: %w", err)
	}

	// The validator understands only values produced by encoding/json
	raw, err := json.Marshal(tree)
	if err != nil {
		return docerr.Schema("schema is not serializable: %v", err)
	}
	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return docerr.Schema("schema is not serializable: %v", err)
	}

	if err := v.Validate(doc); err != nil {
		return docerr.Schema("schema snapshot is invalid: %v", err)
	}
	return nil
}

// MarshalJSON encodes the schema in its tree form.
func (s Schema) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Dump())
}

// UnmarshalJSON decodes a schema from its tree form.
func (s *Schema) UnmarshalJSON(data []byte) error {
	loaded, err := LoadJSON(data)
	if err != nil {
		return err
	}
	*s = loaded
	return nil
}

// MarshalBSON encodes the schema in its tree form.
func (s Schema) MarshalBSON() ([]byte, error) {
	return bson.Marshal(s.Dump())
}

// LoadJSON decodes and validates a schema from JSON.
func LoadJSON(data []byte) (Schema, error) {
	var tree map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("failed to parse schema: %w", err)
	}
	if err := Validate(tree); err != nil {
		return nil, err
	}
	return Load(tree)
}

// LoadYAML decodes and validates a schema from YAML.
func LoadYAML(data []byte) (Schema, error) {
	var tree map[string]interface{}
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("failed to parse schema: %w", err)
	}
	tree, _ = Normalize(tree).(map[string]interface{})
	if err := Validate(tree); err != nil {
		return nil, err
	}
	return Load(tree)
}

// DumpYAML encodes the schema as YAML.
func DumpYAML(s Schema) ([]byte, error) {
	return yaml.Marshal(s.Dump())
}

// LoadFile reads a schema file. Files ending in .yaml or .yml are read
// as YAML, everything else as JSON.
func LoadFile(path string) (Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}

	var s Schema
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		s, err = LoadYAML(data)
	default:
		s, err = LoadJSON(data)
	}
	if err != nil {
		return nil, docerr.InvalidFile(path, err)
	}
	return s, nil
}
