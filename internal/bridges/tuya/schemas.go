package tuya

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Schema is a statically known specification for one product.
type Schema struct {
	ProductID string     `yaml:"product_id"`
	Category  string     `yaml:"category"`
	Fields    []RawField `yaml:"schema"`
}

// schemaFile is the on-disk layout of an extra schemas file.
type schemaFile struct {
	Schemas []Schema `yaml:"schemas"`
}

// SchemaRegistry holds static schemas keyed by product id. Schemas loaded
// from file replace built-in ones with the same product id.
//
// Thread Safety: All methods are safe for concurrent use; LoadFile may run
// while devices look schemas up.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]Schema
}

// NewSchemaRegistry returns a registry preloaded with the built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	r := &SchemaRegistry{schemas: make(map[string]Schema)}
	for _, s := range builtinSchemas() {
		r.schemas[s.ProductID] = s
	}
	return r
}

// Lookup returns the schema registered for productID.
func (r *SchemaRegistry) Lookup(productID string) (Schema, bool) {
	if r == nil || productID == "" {
		return Schema{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[productID]
	return s, ok
}

// Register adds or replaces a schema.
func (r *SchemaRegistry) Register(s Schema) error {
	if s.ProductID == "" {
		return fmt.Errorf("%w: schema without product_id", ErrInvalidArgument)
	}
	if len(s.Fields) == 0 {
		return fmt.Errorf("%w: schema %q has no fields", ErrInvalidArgument, s.ProductID)
	}
	r.mu.Lock()
	r.schemas[s.ProductID] = s
	r.mu.Unlock()
	return nil
}

// ProductIDs returns the sorted list of known product ids.
func (r *SchemaRegistry) ProductIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.schemas))
	for id := range r.schemas {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LoadFile merges the schemas from a YAML file into the registry.
// Every schema in the file is normalized first so a broken file is
// rejected as a whole.
func (r *SchemaRegistry) LoadFile(path string) error {
	schemas, err := LoadSchemas(path)
	if err != nil {
		return err
	}
	for _, s := range schemas {
		if _, err := NormalizeStatic(s.Category, s.Fields); err != nil {
			return fmt.Errorf("schema %q: %w", s.ProductID, err)
		}
	}
	for _, s := range schemas {
		if err := r.Register(s); err != nil {
			return err
		}
	}
	return nil
}

// LoadSchemas reads a YAML schemas file.
func LoadSchemas(path string) ([]Schema, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("reading schemas file: %w", err)
	}
	var f schemaFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing schemas file: %w", err)
	}
	return f.Schemas, nil
}

func num(v float64) *float64 { return &v }

func builtinSchemas() []Schema {
	return []Schema{
		{
			ProductID: "generic_plug",
			Category:  "cz",
			Fields: []RawField{
				{ID: 1, Code: "switch_1", Mode: "rw", Property: &RawProperty{Type: "bool"}},
				{ID: 9, Code: "countdown_1", Mode: "rw", Property: &RawProperty{Type: "value", Min: num(0), Max: num(86400), Step: num(1), Unit: "s"}},
				{ID: 18, Code: "cur_current", Mode: "ro", Property: &RawProperty{Type: "value", Min: num(0), Max: num(30000), Step: num(1), Unit: "mA"}},
				{ID: 19, Code: "cur_power", Mode: "ro", Property: &RawProperty{Type: "value", Min: num(0), Max: num(50000), Step: num(1), Scale: num(1), Unit: "W"}},
				{ID: 20, Code: "cur_voltage", Mode: "ro", Property: &RawProperty{Type: "value", Min: num(0), Max: num(5000), Step: num(1), Scale: num(1), Unit: "V"}},
			},
		},
		{
			ProductID: "generic_rgb_bulb",
			Category:  "dj",
			Fields: []RawField{
				{ID: 20, Code: "switch_led", Mode: "rw", Property: &RawProperty{Type: "bool"}},
				{ID: 21, Code: "work_mode", Mode: "rw", Property: &RawProperty{Type: "enum", Range: []string{"white", "colour", "scene", "music"}}},
				{ID: 22, Code: "bright_value_v2", Mode: "rw", Property: &RawProperty{Type: "value", Min: num(10), Max: num(1000), Step: num(1)}},
				{ID: 23, Code: "temp_value_v2", Mode: "rw", Property: &RawProperty{Type: "value", Min: num(0), Max: num(1000), Step: num(1)}},
				{ID: 24, Code: "colour_data_v2", Mode: "rw", Property: &RawProperty{Type: "string"}},
			},
		},
		{
			ProductID: "generic_dimmer",
			Category:  "tgq",
			Fields: []RawField{
				{ID: 1, Code: "switch_led_1", Mode: "rw", Property: &RawProperty{Type: "bool"}},
				{ID: 2, Code: "bright_value_1", Mode: "rw", Property: &RawProperty{Type: "value", Min: num(10), Max: num(1000), Step: num(1)}},
				{ID: 3, Code: "brightness_min_1", Mode: "rw", Property: &RawProperty{Type: "value", Min: num(10), Max: num(1000), Step: num(1)}},
				{ID: 4, Code: "led_type_1", Mode: "rw", Property: &RawProperty{
					Type:        "enum",
					Range:       []string{"led", "incandescent", "halogen"},
					Translation: map[string]string{"led": "LED", "incandescent": "Incandescent", "halogen": "Halogen"},
				}},
			},
		},
	}
}
