package actions

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/agentoven/dxtr/internal/faults"
)

// Property types accepted in a Schema.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeInteger = "integer"
	TypeBoolean = "boolean"
	TypeArray   = "array"
	TypeObject  = "object"
)

// Property is one argument declaration.
type Property struct {
	Type        string   `json:"type" yaml:"type"`
	Description string   `json:"description,omitempty" yaml:"description"`
	Enum        []string `json:"enum,omitempty" yaml:"enum"`
}

// Schema is the subset of JSON Schema the registry enforces: an object with
// typed properties, required keys and optional closed-world checking.
type Schema struct {
	Properties      map[string]Property `json:"properties,omitempty" yaml:"properties"`
	Required        []string            `json:"required,omitempty" yaml:"required"`
	AllowAdditional bool                `json:"additionalProperties,omitempty" yaml:"allow_additional"`
}

func (s Schema) check() error {
	for name, p := range s.Properties {
		switch p.Type {
		case TypeString, TypeNumber, TypeInteger, TypeBoolean, TypeArray, TypeObject:
		default:
			return fmt.Errorf("property %s: unsupported type %q", name, p.Type)
		}
		if len(p.Enum) > 0 && p.Type != TypeString {
			return fmt.Errorf("property %s: enum is only supported on strings", name)
		}
	}
	for _, r := range s.Required {
		if _, ok := s.Properties[r]; !ok {
			return fmt.Errorf("required property %s is not declared", r)
		}
	}
	return nil
}

// Validate checks args without side effects. All problems are reported in
// one invalid_arguments error.
func (s Schema) Validate(args Args) error {
	var problems []string

	for _, r := range s.Required {
		v, ok := args[r]
		if !ok || v == nil {
			problems = append(problems, "missing "+r)
		}
	}

	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := args[k]
		p, declared := s.Properties[k]
		if !declared {
			if !s.AllowAdditional {
				problems = append(problems, "unexpected "+k)
			}
			continue
		}
		if v == nil {
			continue
		}
		if msg := p.validate(v); msg != "" {
			problems = append(problems, k+" "+msg)
		}
	}

	if len(problems) > 0 {
		return faults.New(faults.InvalidArguments, "validate", "%s", strings.Join(problems, "; "))
	}
	return nil
}

func (p Property) validate(v interface{}) string {
	switch p.Type {
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return "must be a string"
		}
		if len(p.Enum) > 0 {
			for _, e := range p.Enum {
				if s == e {
					return ""
				}
			}
			return fmt.Sprintf("must be one of %s", strings.Join(p.Enum, ", "))
		}
	case TypeNumber:
		if _, ok := toFloat(v); !ok {
			return "must be a number"
		}
	case TypeInteger:
		f, ok := toFloat(v)
		if !ok || f != math.Trunc(f) {
			return "must be an integer"
		}
	case TypeBoolean:
		if _, ok := v.(bool); !ok {
			return "must be a boolean"
		}
	case TypeArray:
		if _, ok := v.([]interface{}); !ok {
			if _, ok := v.([]string); !ok {
				return "must be an array"
			}
		}
	case TypeObject:
		if _, ok := v.(map[string]interface{}); !ok {
			return "must be an object"
		}
	}
	return ""
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}

// JSONSchema renders the schema for model tool definitions.
func (s Schema) JSONSchema() map[string]interface{} {
	props := make(map[string]interface{}, len(s.Properties))
	for name, p := range s.Properties {
		prop := map[string]interface{}{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		props[name] = prop
	}
	out := map[string]interface{}{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": s.AllowAdditional,
	}
	if len(s.Required) > 0 {
		out["required"] = s.Required
	}
	return out
}
