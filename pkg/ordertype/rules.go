package ordertype

import (
	"fmt"
	"strings"
)

// FieldError is one field-level validation failure
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationError carries structured field-level detail. Nothing is applied
// when validation fails.
type ValidationError struct {
	Errors []FieldError `json:"errors"`
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		parts[i] = fmt.Sprintf("%s: %s", fe.Field, fe.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, code, message string) {
	e.Errors = append(e.Errors, FieldError{Field: field, Code: code, Message: message})
}

// FieldRule constrains a single payload field
type FieldRule struct {
	Required bool     `json:"required,omitempty" yaml:"required,omitempty"`
	Type     string   `json:"type,omitempty" yaml:"type,omitempty"` // string, number, bool, map, list
	OneOf    []string `json:"one_of,omitempty" yaml:"one_of,omitempty"`
	MinLen   int      `json:"min_len,omitempty" yaml:"min_len,omitempty"`
	MaxLen   int      `json:"max_len,omitempty" yaml:"max_len,omitempty"`
}

// RuleSet declares per-field constraints on a payload map. A zero RuleSet
// accepts anything.
type RuleSet struct {
	Fields map[string]FieldRule `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// Validate checks payload against the rule set, collecting every violation
// rather than stopping at the first.
func (rs RuleSet) Validate(payload map[string]interface{}) error {
	if len(rs.Fields) == 0 {
		return nil
	}

	verr := &ValidationError{}
	for field, rule := range rs.Fields {
		value, present := payload[field]
		if !present || value == nil {
			if rule.Required {
				verr.add(field, "required", "field is required")
			}
			continue
		}
		checkField(verr, field, rule, value)
	}
	if len(verr.Errors) > 0 {
		return verr
	}
	return nil
}

func checkField(verr *ValidationError, field string, rule FieldRule, value interface{}) {
	switch rule.Type {
	case "", "any":
	case "string":
		s, ok := value.(string)
		if !ok {
			verr.add(field, "type", "expected a string")
			return
		}
		if rule.MinLen > 0 && len(s) < rule.MinLen {
			verr.add(field, "min_len", fmt.Sprintf("must be at least %d characters", rule.MinLen))
		}
		if rule.MaxLen > 0 && len(s) > rule.MaxLen {
			verr.add(field, "max_len", fmt.Sprintf("must be at most %d characters", rule.MaxLen))
		}
	case "number":
		switch value.(type) {
		case float64, float32, int, int32, int64, uint, uint32, uint64:
		default:
			verr.add(field, "type", "expected a number")
			return
		}
	case "bool":
		if _, ok := value.(bool); !ok {
			verr.add(field, "type", "expected a boolean")
			return
		}
	case "map":
		if _, ok := value.(map[string]interface{}); !ok {
			verr.add(field, "type", "expected an object")
			return
		}
	case "list":
		if _, ok := value.([]interface{}); !ok {
			verr.add(field, "type", "expected a list")
			return
		}
	default:
		verr.add(field, "rule", fmt.Sprintf("unknown rule type %q", rule.Type))
		return
	}

	if len(rule.OneOf) > 0 {
		s, ok := value.(string)
		if !ok {
			verr.add(field, "one_of", "expected a string from the allowed set")
			return
		}
		for _, allowed := range rule.OneOf {
			if s == allowed {
				return
			}
		}
		verr.add(field, "one_of", fmt.Sprintf("must be one of %s", strings.Join(rule.OneOf, ", ")))
	}
}
