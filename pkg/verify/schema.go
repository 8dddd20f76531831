// Package verify implements the verification engine: the four validators
// (completion, tool usage, evidence quality, behavior) and the coordinator
// that sequences them into a single immutable verdict per task.
package verify

import (
	"fmt"
	"sync"
)

// FieldType is the declared type of one tool argument field.
type FieldType string

// Field types accepted by tool schemas.
const (
	FieldString FieldType = "string"
	FieldNumber FieldType = "number"
	FieldBool   FieldType = "bool"
	FieldObject FieldType = "object"
	FieldArray  FieldType = "array"
	FieldAny    FieldType = "any"
)

// ToolSchema is the structural contract for one tool's arguments.
type ToolSchema struct {
	Name     string
	Required []string
	Fields   map[string]FieldType
}

// SchemaRegistry maps tool names to their schemas. Schemas are registered
// at startup; there is no import-time registration.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]ToolSchema
}

// NewSchemaRegistry creates an empty schema registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[string]ToolSchema)}
}

// Register adds a tool schema. Re-registering a name is an error: schemas
// are immutable once the process is serving.
func (r *SchemaRegistry) Register(schema ToolSchema) error {
	if schema.Name == "" {
		return fmt.Errorf("tool schema name must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.schemas[schema.Name]; ok {
		return fmt.Errorf("tool schema %q already registered", schema.Name)
	}
	r.schemas[schema.Name] = schema
	return nil
}

// Get returns the schema for a tool name.
func (r *SchemaRegistry) Get(name string) (ToolSchema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[name]
	return s, ok
}

// checkArguments structurally validates arguments against the schema.
// Returns the first violation as a stable reason tag, or "".
func (s ToolSchema) checkArguments(args map[string]any) string {
	for _, field := range s.Required {
		if _, ok := args[field]; !ok {
			return "missing_argument:" + field
		}
	}
	for field, value := range args {
		declared, ok := s.Fields[field]
		if !ok || declared == FieldAny {
			continue
		}
		if !matchesFieldType(value, declared) {
			return "bad_argument_type:" + field
		}
	}
	return ""
}

func matchesFieldType(value any, t FieldType) bool {
	switch t {
	case FieldString:
		_, ok := value.(string)
		return ok
	case FieldNumber:
		switch value.(type) {
		case float64, float32, int, int32, int64:
			return true
		}
		return false
	case FieldBool:
		_, ok := value.(bool)
		return ok
	case FieldObject:
		_, ok := value.(map[string]any)
		return ok
	case FieldArray:
		_, ok := value.([]any)
		return ok
	default:
		return true
	}
}
