package tuya

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"
)

// Boolean display values.
const (
	On  = "on"
	Off = "off"
)

// Decode converts a raw data-point value into its display value.
//
//   - Integer: raw / 10^scale as float64
//   - Boolean: "on" or "off"
//   - Enum: the display string when a mapping exists, else the raw value
//   - String, Json: unchanged
//
// A value that does not fit the field kind yields a *DecodeAnomaly.
func Decode(f FieldSpec, raw any) (any, error) {
	switch f.Kind {
	case KindInteger:
		v, ok := toFloat(raw)
		if !ok {
			return nil, &DecodeAnomaly{DP: f.DP, Code: f.Code, Reason: fmt.Sprintf("expected number, got %T", raw)}
		}
		m, _ := f.Integer()
		if m.Scale == 0 {
			return v, nil
		}
		return v / math.Pow10(m.Scale), nil

	case KindBoolean:
		b, ok := raw.(bool)
		if !ok {
			return nil, &DecodeAnomaly{DP: f.DP, Code: f.Code, Reason: fmt.Sprintf("expected bool, got %T", raw)}
		}
		if b {
			return On, nil
		}
		return Off, nil

	case KindEnum:
		if m, ok := f.Enum(); ok && m.Display != nil {
			if d, ok := m.Display[fmt.Sprint(raw)]; ok {
				return d, nil
			}
		}
		return raw, nil
	}
	return raw, nil
}

// Encode converts a user value into the raw value sent to the device.
// Integer user values are display units and are scaled back to raw units
// before the range check.
//
// Parameters:
//   - f: Field the value is written to
//   - user: Value as given by the caller (bool, number or string)
//
// Returns:
//   - any: Raw value (bool, int64 or string)
//   - error: ErrInvalidArgument when the value does not fit the field
func Encode(f FieldSpec, user any) (any, error) {
	switch f.Kind {
	case KindBoolean:
		switch v := user.(type) {
		case bool:
			return v, nil
		case string:
			switch strings.ToLower(strings.TrimSpace(v)) {
			case On:
				return true, nil
			case Off:
				return false, nil
			}
		}
		return nil, fmt.Errorf("%w: %s expects on or off, got %v", ErrInvalidArgument, f.Code, user)

	case KindInteger:
		v, ok := toFloat(user)
		if !ok {
			return nil, fmt.Errorf("%w: %s expects a number, got %v", ErrInvalidArgument, f.Code, user)
		}
		m, _ := f.Integer()
		raw := int64(math.Round(v * math.Pow10(m.Scale)))
		if f.Meta != nil && (raw < m.Min || raw > m.Max) {
			return nil, fmt.Errorf("%w: %s value %v outside [%s, %s]",
				ErrInvalidArgument, f.Code, user, displayNumber(m.Min, m.Scale), displayNumber(m.Max, m.Scale))
		}
		return raw, nil

	case KindEnum:
		m, _ := f.Enum()
		s := m.raw(strings.TrimSpace(fmt.Sprint(user)))
		if len(m.Allowed) > 0 && !contains(m.Allowed, s) {
			return nil, fmt.Errorf("%w: %s expects one of %s, got %v",
				ErrInvalidArgument, f.Code, strings.Join(enumOptions(m), ","), user)
		}
		return s, nil

	case KindString:
		if user == nil {
			return "", nil
		}
		return fmt.Sprint(user), nil
	}
	return user, nil
}

// raw maps a display string back to its raw value. A display match wins
// over an equal raw value; candidates are tried in range order, then in
// key order for translations outside the range. Unknown strings are
// returned unchanged.
func (m EnumMeta) raw(s string) string {
	for _, r := range m.Allowed {
		if d, ok := m.Display[r]; ok && d == s {
			return r
		}
	}
	for _, r := range slices.Sorted(maps.Keys(m.Display)) {
		if m.Display[r] == s {
			return r
		}
	}
	return s
}

// ColourVariant selects the hex payload layout of a colour command.
type ColourVariant string

// Colour payload layouts.
const (
	// ColourA is rrggbb + hhhh + ss + vv (saturation and value 0-255).
	ColourA ColourVariant = "A"
	// ColourB is hhhh + ssss + vvvv (saturation and value 0-1000).
	ColourB ColourVariant = "B"
)

// colourVariantFor picks the layout for a colour field code on a device
// category. Lights ("dj") and every colour_data_v2 field use variant A.
func colourVariantFor(code, category string) ColourVariant {
	if code == "colour_data_v2" || category == "dj" {
		return ColourA
	}
	return ColourB
}

// EncodeColour converts an "rrggbb" string (optionally prefixed with #) into
// the hex payload of the given variant.
//
// Parameters:
//   - rgb: Colour as six hex digits
//   - v: Payload layout; lights and colour_data_v2 use ColourA
//
// Returns:
//   - string: Lower-case hex payload (ColourA: 14 digits, ColourB: 12)
//   - error: ErrInvalidArgument for a malformed colour or unknown variant
func EncodeColour(rgb string, v ColourVariant) (string, error) {
	s := strings.TrimPrefix(strings.TrimSpace(rgb), "#")
	if len(s) != 6 {
		return "", fmt.Errorf("%w: colour %q is not rrggbb", ErrInvalidArgument, rgb)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("%w: colour %q is not rrggbb", ErrInvalidArgument, rgb)
	}
	r, g, bl := b[0], b[1], b[2]
	h, sat, val := rgbToHSV(float64(r)/255, float64(g)/255, float64(bl)/255)

	switch v {
	case ColourA:
		return fmt.Sprintf("%02x%02x%02x%04x%02x%02x",
			r, g, bl, int(h*360), int(sat*255), int(val*255)), nil
	case ColourB:
		return fmt.Sprintf("%04x%04x%04x", int(h*360), int(sat*1000), int(val*1000)), nil
	}
	return "", fmt.Errorf("%w: unknown colour variant %q", ErrInvalidArgument, v)
}

// rgbToHSV converts components in [0,1] to hue, saturation and value in [0,1].
func rgbToHSV(r, g, b float64) (h, s, v float64) {
	maxc := math.Max(r, math.Max(g, b))
	minc := math.Min(r, math.Min(g, b))
	v = maxc
	if maxc == minc {
		return 0, 0, v
	}
	d := maxc - minc
	s = d / maxc
	rc := (maxc - r) / d
	gc := (maxc - g) / d
	bc := (maxc - b) / d
	switch maxc {
	case r:
		h = bc - gc
	case g:
		h = 2 + rc - bc
	default:
		h = 4 + gc - rc
	}
	h = math.Mod(h/6, 1)
	if h < 0 {
		h++
	}
	return h, s, v
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// displayNumber formats a raw integer in display units.
func displayNumber(raw int64, scale int) string {
	if scale == 0 {
		return strconv.FormatInt(raw, 10)
	}
	return strconv.FormatFloat(float64(raw)/math.Pow10(scale), 'f', -1, 64)
}

func enumOptions(m EnumMeta) []string {
	if len(m.Display) == 0 {
		return m.Allowed
	}
	out := make([]string, 0, len(m.Allowed))
	for _, a := range m.Allowed {
		if d, ok := m.Display[a]; ok {
			out = append(out, d)
		} else {
			out = append(out, a)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
