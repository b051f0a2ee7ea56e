package tuya

import (
	"fmt"
	"sort"
)

// Kind is the normalized primitive type of a field.
type Kind string

// Field kinds.
const (
	KindBoolean Kind = "Boolean"
	KindInteger Kind = "Integer"
	KindEnum    Kind = "Enum"
	KindString  Kind = "String"
	KindJSON    Kind = "Json"
)

// ValueMeta holds the kind-specific constraints of a field.
// Only IntegerMeta and EnumMeta implement it; other kinds carry nil.
type ValueMeta interface {
	metaKind() Kind
}

// IntegerMeta constrains an Integer field. Min, Max and Step are raw device
// units; the display value is raw / 10^Scale.
type IntegerMeta struct {
	Min   int64  `json:"min"`
	Max   int64  `json:"max"`
	Step  int64  `json:"step"`
	Scale int    `json:"scale"`
	Unit  string `json:"unit,omitempty"`
}

func (IntegerMeta) metaKind() Kind { return KindInteger }

// EnumMeta constrains an Enum field. Display optionally maps raw values to
// the strings shown to users.
type EnumMeta struct {
	Allowed []string          `json:"range"`
	Display map[string]string `json:"translation,omitempty"`
}

func (EnumMeta) metaKind() Kind { return KindEnum }

// FieldSpec is one controllable or observable device property.
type FieldSpec struct {
	// DP is the resolved data-point id; 0 means pending.
	DP int

	// SuggestedDP is the id advertised by a cloud specification. It becomes
	// DP only through slot resolution.
	SuggestedDP int

	// Code is the vendor field name, unique within a list.
	Code string
	Kind Kind

	// Writable marks function fields; only they produce commands.
	Writable bool

	// Meta is IntegerMeta or EnumMeta for those kinds, nil otherwise.
	Meta ValueMeta

	Description string
}

// Resolved reports whether the field is bound to a data point.
func (f FieldSpec) Resolved() bool { return f.DP > 0 }

// Integer returns the integer constraints, if the field has them.
func (f FieldSpec) Integer() (IntegerMeta, bool) {
	m, ok := f.Meta.(IntegerMeta)
	return m, ok
}

// Enum returns the enum constraints, if the field has them.
func (f FieldSpec) Enum() (EnumMeta, bool) {
	m, ok := f.Meta.(EnumMeta)
	return m, ok
}

// Snapshot is the normalized capability specification of one device.
// A Snapshot is never modified after construction; Resolve and
// WithDescriptions return new values.
type Snapshot struct {
	// Category is the vendor device category, e.g. "cz" or "dj".
	Category string

	// Status lists the observable fields; telemetry is matched against it.
	Status []FieldSpec

	// Functions lists the controllable fields; commands come from it.
	Functions []FieldSpec
}

// StatusField returns the resolved status field bound to dp.
func (s *Snapshot) StatusField(dp int) (FieldSpec, bool) {
	if s == nil || dp <= 0 {
		return FieldSpec{}, false
	}
	for _, f := range s.Status {
		if f.DP == dp {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// HasCode reports whether any field in the snapshot uses code.
func (s *Snapshot) HasCode(code string) bool {
	for _, f := range s.Status {
		if f.Code == code {
			return true
		}
	}
	for _, f := range s.Functions {
		if f.Code == code {
			return true
		}
	}
	return false
}

// Codes returns the sorted set of field codes.
func (s *Snapshot) Codes() []string {
	seen := make(map[string]struct{})
	for _, f := range s.Status {
		seen[f.Code] = struct{}{}
	}
	for _, f := range s.Functions {
		seen[f.Code] = struct{}{}
	}
	codes := make([]string, 0, len(seen))
	for c := range seen {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}

// Suggestions returns the advertised slot for every field that has one,
// keyed by slot. The first field claiming a slot wins.
func (s *Snapshot) Suggestions() map[int]string {
	out := make(map[int]string)
	for _, list := range [][]FieldSpec{s.Status, s.Functions} {
		for _, f := range list {
			if f.SuggestedDP <= 0 {
				continue
			}
			if _, taken := out[f.SuggestedDP]; !taken {
				out[f.SuggestedDP] = f.Code
			}
		}
	}
	return out
}

// Resolve binds slot to code and returns the resulting snapshot.
//
// Every field with the given code (in both sets) takes slot as its data
// point; any other field holding slot is released so data-point ids stay
// unique. An empty code only releases the slot.
func (s *Snapshot) Resolve(slot int, code string) (*Snapshot, error) {
	if slot <= 0 {
		return nil, fmt.Errorf("%w: slot %d", ErrInvalidArgument, slot)
	}
	if code != "" && !s.HasCode(code) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCode, code)
	}

	rebind := func(list []FieldSpec) []FieldSpec {
		out := make([]FieldSpec, len(list))
		for i, f := range list {
			switch {
			case code != "" && f.Code == code:
				f.DP = slot
			case f.DP == slot:
				f.DP = 0
			}
			out[i] = f
		}
		return out
	}

	return &Snapshot{
		Category:  s.Category,
		Status:    rebind(s.Status),
		Functions: rebind(s.Functions),
	}, nil
}

// WithDescriptions returns a copy whose function descriptions are filled in
// from desc, joined by code.
func (s *Snapshot) WithDescriptions(desc map[string]string) *Snapshot {
	out := s.clone()
	for i, f := range out.Functions {
		if d, ok := desc[f.Code]; ok {
			out.Functions[i].Description = d
		}
	}
	return out
}

// WithCategory returns a copy carrying the given device category.
func (s *Snapshot) WithCategory(category string) *Snapshot {
	out := s.clone()
	out.Category = category
	return out
}

func (s *Snapshot) clone() *Snapshot {
	out := &Snapshot{Category: s.Category}
	out.Status = append([]FieldSpec(nil), s.Status...)
	out.Functions = append([]FieldSpec(nil), s.Functions...)
	return out
}
