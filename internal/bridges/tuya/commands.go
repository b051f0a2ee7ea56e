package tuya

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Command argument names.
const (
	ArgOnOff = "onoff"
	ArgValue = "value"
)

// HintKind is the kind of value-domain hint attached to a command.
type HintKind string

// Hint kinds.
const (
	HintOptions     HintKind = "options"
	HintSlider      HintKind = "slider"
	HintColorPicker HintKind = "colorpicker"
)

// Hint describes the value domain of a command argument. Slider bounds are
// display units.
type Hint struct {
	Kind    HintKind `json:"kind"`
	Options []string `json:"options,omitempty"`
	Min     float64  `json:"min,omitempty"`
	Step    float64  `json:"step,omitempty"`
	Max     float64  `json:"max,omitempty"`
}

// String renders the hint in the host platform's widget notation, e.g.
// "on,off", "slider,0,1,100" or "colorpicker,RGB".
func (h *Hint) String() string {
	if h == nil {
		return ""
	}
	switch h.Kind {
	case HintOptions:
		return strings.Join(h.Options, ",")
	case HintSlider:
		return "slider," + formatFloat(h.Min) + "," + formatFloat(h.Step) + "," + formatFloat(h.Max)
	case HintColorPicker:
		return "colorpicker,RGB"
	}
	return ""
}

// CommandDescriptor is one user-invocable operation derived from a writable,
// resolved function field.
type CommandDescriptor struct {
	Name        string    `json:"name"`
	Args        []string  `json:"args,omitempty"`
	Hint        *Hint     `json:"hint,omitempty"`
	Field       FieldSpec `json:"-"`
	Description string    `json:"description,omitempty"`

	encode func(arg any) (any, error)
}

// Encode converts the command argument into the data point and raw value to
// send. Zero-argument commands ignore arg.
func (c CommandDescriptor) Encode(arg any) (int, any, error) {
	if c.encode == nil {
		return 0, nil, fmt.Errorf("%w: %s", ErrUnknownCommand, c.Name)
	}
	raw, err := c.encode(arg)
	if err != nil {
		return 0, nil, err
	}
	return c.Field.DP, raw, nil
}

// Generate derives the command table from the snapshot's function fields.
// Pending and read-only fields produce nothing. When two fields produce the
// same command name the later field wins.
//
// Naming:
//   - switch_1 produces "on" and "off" with no argument
//   - other Boolean fields produce one command taking on/off
//   - Integer, Enum, String and Json fields produce a command named by the code
//   - colour_data and colour_data_v2 take an rrggbb string
//
// Parameters:
//   - s: Resolved snapshot; nil yields an empty table
//
// Returns:
//   - map[string]CommandDescriptor: Commands keyed by name
func Generate(s *Snapshot) map[string]CommandDescriptor {
	cmds := make(map[string]CommandDescriptor)
	if s == nil {
		return cmds
	}

	for _, f := range s.Functions {
		if !f.Resolved() || !f.Writable {
			continue
		}
		field := f

		switch f.Kind {
		case KindBoolean:
			if f.Code == "switch_1" {
				for _, name := range []string{On, Off} {
					value := name == On
					cmds[name] = CommandDescriptor{
						Name:        name,
						Field:       field,
						Description: f.Description,
						encode:      func(any) (any, error) { return value, nil },
					}
				}
				continue
			}
			cmds[f.Code] = CommandDescriptor{
				Name:        f.Code,
				Args:        []string{ArgOnOff},
				Hint:        &Hint{Kind: HintOptions, Options: []string{On, Off}},
				Field:       field,
				Description: f.Description,
				encode:      func(arg any) (any, error) { return Encode(field, arg) },
			}

		case KindEnum:
			m, _ := f.Enum()
			cmds[f.Code] = CommandDescriptor{
				Name:        f.Code,
				Args:        []string{ArgValue},
				Hint:        &Hint{Kind: HintOptions, Options: enumOptions(m)},
				Field:       field,
				Description: f.Description,
				encode:      func(arg any) (any, error) { return Encode(field, arg) },
			}

		case KindInteger:
			m, _ := f.Integer()
			scale := pow10(m.Scale)
			cmds[f.Code] = CommandDescriptor{
				Name: f.Code,
				Args: []string{ArgValue},
				Hint: &Hint{
					Kind: HintSlider,
					Min:  float64(m.Min) / scale,
					Step: float64(m.Step) / scale,
					Max:  float64(m.Max) / scale,
				},
				Field:       field,
				Description: f.Description,
				encode:      func(arg any) (any, error) { return Encode(field, arg) },
			}

		case KindString:
			cmds[f.Code] = CommandDescriptor{
				Name:        f.Code,
				Args:        []string{ArgValue},
				Field:       field,
				Description: f.Description,
				encode:      func(arg any) (any, error) { return Encode(field, arg) },
			}

		case KindJSON:
			desc := CommandDescriptor{
				Name:        f.Code,
				Args:        []string{ArgValue},
				Field:       field,
				Description: f.Description,
				encode:      func(arg any) (any, error) { return Encode(field, arg) },
			}
			if f.Code == "colour_data" || f.Code == "colour_data_v2" {
				variant := colourVariantFor(f.Code, s.Category)
				desc.Hint = &Hint{Kind: HintColorPicker}
				desc.encode = func(arg any) (any, error) {
					return EncodeColour(fmt.Sprint(arg), variant)
				}
			}
			cmds[f.Code] = desc
		}
	}
	return cmds
}

// SortedCommands returns the command table ordered by name.
func SortedCommands(cmds map[string]CommandDescriptor) []CommandDescriptor {
	out := make([]CommandDescriptor, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func pow10(n int) float64 {
	p := 1.0
	for i := 0; i < n; i++ {
		p *= 10
	}
	return p
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
