package translator

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/reguard/reguard/internal/faults"
)

// Schema describes the shape a protocol's neutral form must satisfy.
type Schema struct {
	Protocol       Protocol          `json:"protocol"`
	RequiredFields []string          `json:"required_fields"`
	FieldTypes     map[string]string `json:"field_types,omitempty"` // string, number, boolean, object, array
}

// SchemaRegistry holds per-protocol validation schemas.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[Protocol]*Schema
}

func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[Protocol]*Schema)}
}

func (r *SchemaRegistry) Register(s *Schema) error {
	if s == nil || !knownProtocol(s.Protocol) {
		return faults.New(faults.KindValidation, "schema requires a known protocol")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[s.Protocol] = s
	return nil
}

func (r *SchemaRegistry) Get(p Protocol) *Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.schemas[p]
}

// Validate checks a neutral payload against the protocol's schema. A missing
// schema validates trivially.
func (r *SchemaRegistry) Validate(p Protocol, m map[string]any) error {
	s := r.Get(p)
	if s == nil {
		return nil
	}

	for _, f := range s.RequiredFields {
		if _, ok := m[f]; !ok {
			return faults.New(faults.KindValidation,
				fmt.Sprintf("payload missing required field %q for %s", f, p)).WithField(f)
		}
	}
	for f, want := range s.FieldTypes {
		v, ok := m[f]
		if !ok {
			continue
		}
		if got := jsonTypeOf(v); got != want {
			return faults.New(faults.KindValidation,
				fmt.Sprintf("field %q has type %s, schema requires %s", f, got, want)).WithField(f)
		}
	}
	return nil
}

func jsonTypeOf(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case float64, json.Number, int, int64:
		return "number"
	case bool:
		return "boolean"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case nil:
		return "null"
	}
	return "unknown"
}
