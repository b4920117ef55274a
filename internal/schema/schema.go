// Package schema performs the offline structural pre-check of a composed
// return document. It never contacts the remote service; passing here is
// necessary but not sufficient for remote acceptance.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"erigate/internal/domain"
)

// FieldType constrains the JSON shape of a schema field.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeNumber FieldType = "number"
	TypeBool   FieldType = "bool"
	TypeObject FieldType = "object"
	TypeArray  FieldType = "array"
)

// Field declares one path in the form document. Paths are dotted, e.g.
// "personalInfo.pan".
type Field struct {
	Path     string    `json:"path"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required"`
}

// Rule is a cross-field consistency requirement: when Field is present, every
// path in Requires must be present too.
type Rule struct {
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Field    string   `json:"field"`
	Requires []string `json:"requires"`
}

// Definition is the externally supplied schema for one form type and year.
// Form shapes vary by ITR type, so definitions are data, not Go structs.
type Definition struct {
	Form   string  `json:"form"`
	Fields []Field `json:"fields"`
	Rules  []Rule  `json:"rules"`
}

// ParseDefinition loads a Definition from JSON bytes.
func ParseDefinition(data []byte) (Definition, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("parse schema definition: %w", err)
	}
	if def.Form == "" {
		return Definition{}, fmt.Errorf("schema definition missing form name")
	}
	return def, nil
}

// Validate checks the document against the definition and returns every
// structural error found. A nil slice means the document passed.
func Validate(doc map[string]any, def Definition) []domain.FieldError {
	var errs []domain.FieldError

	for _, f := range def.Fields {
		val, ok := lookup(doc, f.Path)
		if !ok {
			if f.Required {
				errs = append(errs, domain.FieldError{
					Code:    "ERR_SCHEMA_MISSING",
					Field:   f.Path,
					Message: "required field is missing",
				})
			}
			continue
		}
		if !typeMatches(val, f.Type) {
			errs = append(errs, domain.FieldError{
				Code:    "ERR_SCHEMA_TYPE",
				Field:   f.Path,
				Message: fmt.Sprintf("expected %s", f.Type),
			})
		}
	}

	for _, r := range def.Rules {
		if _, ok := lookup(doc, r.Field); !ok {
			continue
		}
		for _, req := range r.Requires {
			if _, ok := lookup(doc, req); !ok {
				errs = append(errs, domain.FieldError{
					Code:    r.Code,
					Field:   req,
					Message: r.Message,
				})
			}
		}
	}

	return errs
}

// lookup walks a dotted path through nested maps.
func lookup(doc map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = doc
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func typeMatches(val any, ft FieldType) bool {
	switch ft {
	case TypeString:
		_, ok := val.(string)
		return ok
	case TypeNumber:
		switch val.(type) {
		case float64, int, int64, json.Number:
			return true
		}
		return false
	case TypeBool:
		_, ok := val.(bool)
		return ok
	case TypeObject:
		_, ok := val.(map[string]any)
		return ok
	case TypeArray:
		_, ok := val.([]any)
		return ok
	}
	return false
}
