package tuya

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// RawField is one entry of a raw specification.
//
// The same struct carries both shapes:
//   - static schemas: {id, code, mode, property{type, ...}}
//   - cloud schemas:  {code, dp_id, type, values, desc}
//
// where cloud values is a JSON object or a string containing one.
type RawField struct {
	ID       int             `json:"id,omitempty" yaml:"id"`
	DPID     int             `json:"dp_id,omitempty" yaml:"dp_id"`
	Code     string          `json:"code" yaml:"code"`
	Mode     string          `json:"mode,omitempty" yaml:"mode"`
	Type     string          `json:"type,omitempty" yaml:"type"`
	Values   json.RawMessage `json:"values,omitempty" yaml:"-"`
	Property *RawProperty    `json:"property,omitempty" yaml:"property"`
	Desc     string          `json:"desc,omitempty" yaml:"desc"`
}

// RawProperty is the nested constraint block of a static schema entry.
type RawProperty struct {
	Type        string            `json:"type" yaml:"type"`
	Min         *float64          `json:"min,omitempty" yaml:"min"`
	Max         *float64          `json:"max,omitempty" yaml:"max"`
	Step        *float64          `json:"step,omitempty" yaml:"step"`
	Scale       *float64          `json:"scale,omitempty" yaml:"scale"`
	Unit        string            `json:"unit,omitempty" yaml:"unit"`
	Range       []string          `json:"range,omitempty" yaml:"range"`
	Translation map[string]string `json:"translation,omitempty" yaml:"translation"`
}

// RawSpecification is a cloud specification: the functions (write path) and
// status (read path) lists.
type RawSpecification struct {
	Category  string     `json:"category,omitempty"`
	Functions []RawField `json:"functions"`
	Status    []RawField `json:"status"`
}

// NormalizeOption configures a normalization run.
type NormalizeOption func(*normalizeOptions)

type normalizeOptions struct {
	unsupported func(code, typ string)
}

// WithUnsupported registers a hook called for every entry dropped because its
// type is not supported.
func WithUnsupported(fn func(code, typ string)) NormalizeOption {
	return func(o *normalizeOptions) { o.unsupported = fn }
}

// staticKinds maps static-schema primitive types.
var staticKinds = map[string]Kind{
	"bool":   KindBoolean,
	"value":  KindInteger,
	"enum":   KindEnum,
	"string": KindString,
}

// cloudKinds maps cloud-schema types, keyed lower-case.
var cloudKinds = map[string]Kind{
	"boolean": KindBoolean,
	"integer": KindInteger,
	"enum":    KindEnum,
	"string":  KindString,
	"json":    KindJSON,
}

// NormalizeStatic builds a snapshot from a statically known schema.
// Every supported entry is a status field; entries with mode "rw" are also
// function fields. Data-point ids are taken from the entries as resolved.
//
// Parameters:
//   - category: Device category recorded on the snapshot
//   - fields: Schema entries; each needs a code, a property and an id > 0
//   - opts: WithUnsupported receives entries of unknown type
//
// Returns:
//   - *Snapshot: Snapshot with every field resolved
//   - error: *SpecificationError for an empty or malformed schema
func NormalizeStatic(category string, fields []RawField, opts ...NormalizeOption) (*Snapshot, error) {
	o := applyNormalizeOptions(opts)
	if len(fields) == 0 {
		return nil, specErr("schema has no entries")
	}

	snap := &Snapshot{Category: category}
	for i, raw := range fields {
		if raw.Code == "" {
			return nil, specErr("entry %d has no code", i)
		}
		if raw.Property == nil {
			return nil, specErr("entry %q has no property", raw.Code)
		}
		kind, ok := staticKinds[raw.Property.Type]
		if !ok {
			o.reportUnsupported(raw.Code, raw.Property.Type)
			continue
		}
		if raw.ID <= 0 {
			return nil, specErr("entry %q has invalid id %d", raw.Code, raw.ID)
		}

		meta, err := buildMeta(kind, raw.Code, raw.Property)
		if err != nil {
			return nil, err
		}
		f := FieldSpec{
			DP:          raw.ID,
			SuggestedDP: raw.ID,
			Code:        raw.Code,
			Kind:        kind,
			Meta:        meta,
			Description: raw.Desc,
		}
		snap.Status = append(snap.Status, f)
		if raw.Mode == "rw" {
			f.Writable = true
			snap.Functions = append(snap.Functions, f)
		}
	}

	if err := validateSnapshot(snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// NormalizeCloud builds a snapshot from a cloud specification. Data-point
// ids are only suggested; fields stay pending until a slot is resolved.
//
// Parameters:
//   - spec: Functions and status lists as returned by the cloud; the
//     "values" of each entry is itself a JSON string
//   - opts: WithUnsupported receives entries of unknown type
//
// Returns:
//   - *Snapshot: Snapshot with every field pending
//   - error: *SpecificationError for an empty specification, a duplicate
//     code or unparsable values
func NormalizeCloud(spec RawSpecification, opts ...NormalizeOption) (*Snapshot, error) {
	o := applyNormalizeOptions(opts)
	if len(spec.Functions) == 0 && len(spec.Status) == 0 {
		return nil, specErr("specification has no functions and no status")
	}

	snap := &Snapshot{Category: spec.Category}
	var err error
	if snap.Functions, err = normalizeCloudList(spec.Functions, true, o); err != nil {
		return nil, err
	}
	if snap.Status, err = normalizeCloudList(spec.Status, false, o); err != nil {
		return nil, err
	}

	if err := validateSnapshot(snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func normalizeCloudList(list []RawField, writable bool, o normalizeOptions) ([]FieldSpec, error) {
	out := make([]FieldSpec, 0, len(list))
	for i, raw := range list {
		if raw.Code == "" {
			return nil, specErr("entry %d has no code", i)
		}
		kind, ok := cloudKinds[strings.ToLower(raw.Type)]
		if !ok {
			o.reportUnsupported(raw.Code, raw.Type)
			continue
		}
		if raw.DPID < 0 {
			return nil, specErr("entry %q has invalid dp_id %d", raw.Code, raw.DPID)
		}

		prop, err := parseValues(raw.Code, raw.Values)
		if err != nil {
			return nil, err
		}
		meta, err := buildMeta(kind, raw.Code, prop)
		if err != nil {
			return nil, err
		}
		out = append(out, FieldSpec{
			SuggestedDP: raw.DPID,
			Code:        raw.Code,
			Kind:        kind,
			Writable:    writable,
			Meta:        meta,
			Description: raw.Desc,
		})
	}
	return out, nil
}

// parseValues decodes a cloud values block. The block may be an object, a
// string holding an object, an empty string, or absent.
func parseValues(code string, raw json.RawMessage) (*RawProperty, error) {
	prop := &RawProperty{}
	data := bytes.TrimSpace(raw)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return prop, nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, &SpecificationError{Reason: fmt.Sprintf("entry %q has unparsable values", code), Err: err}
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return prop, nil
		}
		data = []byte(s)
	}

	if err := json.Unmarshal(data, prop); err != nil {
		return nil, &SpecificationError{Reason: fmt.Sprintf("entry %q has unparsable values", code), Err: err}
	}
	return prop, nil
}

func buildMeta(kind Kind, code string, p *RawProperty) (ValueMeta, error) {
	switch kind {
	case KindInteger:
		m := IntegerMeta{Min: 0, Max: math.MaxInt32, Step: 1, Unit: p.Unit}
		if p.Min != nil {
			m.Min = int64(*p.Min)
		}
		if p.Max != nil {
			m.Max = int64(*p.Max)
		}
		if p.Step != nil {
			m.Step = int64(*p.Step)
		}
		if p.Scale != nil {
			m.Scale = int(*p.Scale)
		}
		switch {
		case m.Min > m.Max:
			return nil, specErr("entry %q has min %d greater than max %d", code, m.Min, m.Max)
		case m.Step < 0:
			return nil, specErr("entry %q has negative step %d", code, m.Step)
		case m.Scale < 0 || m.Scale > 18:
			return nil, specErr("entry %q has invalid scale %d", code, m.Scale)
		}
		if m.Step == 0 {
			m.Step = 1
		}
		return m, nil

	case KindEnum:
		if len(p.Range) == 0 {
			return nil, specErr("enum entry %q has no allowed values", code)
		}
		m := EnumMeta{Allowed: append([]string(nil), p.Range...)}
		if len(p.Translation) > 0 {
			m.Display = make(map[string]string, len(p.Translation))
			for k, v := range p.Translation {
				m.Display[k] = v
			}
		}
		return m, nil
	}
	return nil, nil
}

// validateSnapshot enforces code uniqueness per set and dp uniqueness across
// fields with different codes.
func validateSnapshot(s *Snapshot) error {
	if len(s.Status) == 0 && len(s.Functions) == 0 {
		return specErr("no supported fields")
	}

	dpOwner := make(map[int]string)
	for _, set := range []struct {
		name   string
		fields []FieldSpec
	}{{"status", s.Status}, {"functions", s.Functions}} {
		codes := make(map[string]struct{}, len(set.fields))
		for _, f := range set.fields {
			if _, dup := codes[f.Code]; dup {
				return specErr("duplicate code %q in %s", f.Code, set.name)
			}
			codes[f.Code] = struct{}{}

			if f.DP == 0 {
				continue
			}
			if owner, taken := dpOwner[f.DP]; taken && owner != f.Code {
				return specErr("dp %d used by both %q and %q", f.DP, owner, f.Code)
			}
			dpOwner[f.DP] = f.Code
		}
	}
	return nil
}

func applyNormalizeOptions(opts []NormalizeOption) normalizeOptions {
	var o normalizeOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o normalizeOptions) reportUnsupported(code, typ string) {
	if o.unsupported != nil {
		o.unsupported(code, typ)
	}
}

// persistedField is the stored form of one field, in the cloud shape.
type persistedField struct {
	Code   string `json:"code"`
	DPID   int    `json:"dp_id,omitempty"`
	Type   string `json:"type"`
	Values string `json:"values"`
	Desc   string `json:"desc,omitempty"`
}

// EncodeFields serializes fields into the cloud specification shape for
// storage as a device attribute. Resolved ids are not stored; they live in
// the dp_NN slot attributes.
func EncodeFields(fields []FieldSpec) (string, error) {
	out := make([]persistedField, 0, len(fields))
	for _, f := range fields {
		values := "{}"
		if f.Meta != nil {
			var (
				b   []byte
				err error
			)
			switch m := f.Meta.(type) {
			case IntegerMeta:
				b, err = json.Marshal(m)
			case EnumMeta:
				b, err = json.Marshal(m)
			}
			if err != nil {
				return "", fmt.Errorf("encoding values of %q: %w", f.Code, err)
			}
			values = string(b)
		}
		dp := f.SuggestedDP
		if dp == 0 {
			dp = f.DP
		}
		out = append(out, persistedField{
			Code:   f.Code,
			DPID:   dp,
			Type:   string(f.Kind),
			Values: values,
			Desc:   f.Description,
		})
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("encoding fields: %w", err)
	}
	return string(b), nil
}

// DecodeFields parses a stored field list back into raw cloud entries.
// An empty string yields no entries.
func DecodeFields(s string) ([]RawField, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "[]" {
		return nil, nil
	}
	var fields []RawField
	if err := json.Unmarshal([]byte(s), &fields); err != nil {
		return nil, &SpecificationError{Reason: "stored specification is unparsable", Err: err}
	}
	return fields, nil
}
