package settings

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Document keys.
const (
	ProfilesKey            = "profiles"
	DevicesKey             = "devices"
	DefaultDeviceConfigKey = "defaultDeviceConfig"

	nameKey    = "name"
	profileKey = "profile"
	idKey      = "id"
	configKey  = "config"
	outputKey  = "outputDPI"
)

// Sensitivity bounds and the output scale of a multiplier of 1.
const (
	MinSensitivity = 0.001
	MaxSensitivity = 100.0
	NormalScale    = 1000.0
)

// Clamp bounds a multiplier to [MinSensitivity, MaxSensitivity]. NaN maps
// to 1.
func Clamp(m float64) float64 {
	if math.IsNaN(m) {
		return 1
	}
	return math.Min(MaxSensitivity, math.Max(MinSensitivity, m))
}

// OutputScale is the value written for a multiplier.
func OutputScale(m float64) float64 {
	return Clamp(m) * NormalScale
}

// Mapping is one entry of the devices array.
type Mapping struct {
	Name    string `json:"name"`
	Profile string `json:"profile"`
	ID      string `json:"id"`
}

// ApplySensitivity writes the clamped multiplier into the named profile,
// creating the profile when it does not exist. A new profile is a copy of
// the first existing profile, or a minimal object when there is none.
func ApplySensitivity(doc []byte, profile string, multiplier float64) ([]byte, error) {
	arr, err := FindArray(doc, ProfilesKey)
	if err != nil {
		return nil, err
	}
	objs, err := Objects(doc, arr)
	if err != nil {
		return nil, err
	}
	scale := OutputScale(multiplier)
	for _, obj := range objs {
		if name, _ := StringField(doc, obj, nameKey); name == profile {
			return ReplaceNumber(doc, obj, outputKey, scale, 1)
		}
	}

	if len(objs) > 0 {
		clone := append([]byte(nil), doc[objs[0].Start:objs[0].End]...)
		clone, err = ReplaceString(clone, Span{0, len(clone)}, nameKey, profile)
		if err != nil {
			return nil, err
		}
		clone, err = ReplaceNumber(clone, Span{0, len(clone)}, outputKey, scale, 1)
		if err != nil {
			return nil, err
		}
		return InsertObject(doc, arr, string(clone))
	}

	elem, unit := Layout(doc, arr)
	text, err := render([]field{
		{nameKey, quote(profile)},
		{outputKey, formatScale(scale)},
	}, elem, unit)
	if err != nil {
		return nil, err
	}
	return InsertObject(doc, arr, text)
}

// SensitivityOf reads back the multiplier stored in the named profile.
func SensitivityOf(doc []byte, profile string) (float64, bool) {
	arr, err := FindArray(doc, ProfilesKey)
	if err != nil {
		return 0, false
	}
	for obj, ok := NextObject(doc, arr, arr.Start); ok; obj, ok = NextObject(doc, arr, obj.End) {
		if name, _ := StringField(doc, obj, nameKey); name == profile {
			v, found := NumberField(doc, obj, outputKey)
			if !found {
				return 0, false
			}
			return v / NormalScale, true
		}
	}
	return 0, false
}

// BindDevice makes id the only device mapped to profile. Stale mappings to
// profile are removed, an existing entry for id is repointed, and a new
// entry is appended when id has none. Identifiers compare
// case-insensitively after JSON unescaping.
func BindDevice(doc []byte, profile, id, name string) ([]byte, error) {
	arr, err := FindArray(doc, DevicesKey)
	if err != nil {
		return nil, err
	}
	objs, err := Objects(doc, arr)
	if err != nil {
		return nil, err
	}

	keep := findDevice(doc, objs, id)

	// Remove back to front so earlier spans stay valid.
	for i := len(objs) - 1; i >= 0; i-- {
		if i == keep {
			continue
		}
		if p, _ := StringField(doc, objs[i], profileKey); p != profile {
			continue
		}
		if doc, err = RemoveObject(doc, arr, objs[i]); err != nil {
			return nil, err
		}
		if arr, err = FindArray(doc, DevicesKey); err != nil {
			return nil, err
		}
	}

	if keep >= 0 {
		// Removals ahead of the kept entry moved it.
		if objs, err = Objects(doc, arr); err != nil {
			return nil, err
		}
		i := findDevice(doc, objs, id)
		if i < 0 {
			return nil, malformed(arr.Start, "device entry")
		}
		obj := objs[i]
		if p, _ := StringField(doc, obj, profileKey); p == profile {
			return doc, nil
		}
		return ReplaceString(doc, obj, profileKey, profile)
	}

	cfg := "{}"
	if span, err := FindValue(doc, DefaultDeviceConfigKey); err == nil && doc[span.Start] == '{' {
		var buf bytes.Buffer
		if err := json.Compact(&buf, doc[span.Start:span.End]); err != nil {
			return nil, malformed(span.Start, "defaultDeviceConfig")
		}
		cfg = buf.String()
	}

	if name == "" {
		name = id
	}
	elem, unit := Layout(doc, arr)
	text, err := render([]field{
		{nameKey, quote(name)},
		{profileKey, quote(profile)},
		{idKey, quote(id)},
		{configKey, cfg},
	}, elem, unit)
	if err != nil {
		return nil, err
	}
	return InsertObject(doc, arr, text)
}

func findDevice(doc []byte, objs []Span, id string) int {
	for i, obj := range objs {
		if oid, _ := StringField(doc, obj, idKey); strings.EqualFold(oid, id) {
			return i
		}
	}
	return -1
}

// UnbindDevices removes every device mapped to profile and reports how many
// entries were removed.
func UnbindDevices(doc []byte, profile string) ([]byte, int, error) {
	arr, err := FindArray(doc, DevicesKey)
	if err != nil {
		return nil, 0, err
	}
	objs, err := Objects(doc, arr)
	if err != nil {
		return nil, 0, err
	}
	removed := 0
	for i := len(objs) - 1; i >= 0; i-- {
		if p, _ := StringField(doc, objs[i], profileKey); p != profile {
			continue
		}
		if doc, err = RemoveObject(doc, arr, objs[i]); err != nil {
			return nil, 0, err
		}
		if arr, err = FindArray(doc, DevicesKey); err != nil {
			return nil, 0, err
		}
		removed++
	}
	return doc, removed, nil
}

// Mappings lists the device entries, optionally only those for profile.
func Mappings(doc []byte, profile string) ([]Mapping, error) {
	arr, err := FindArray(doc, DevicesKey)
	if err != nil {
		return nil, err
	}
	objs, err := Objects(doc, arr)
	if err != nil {
		return nil, err
	}
	var out []Mapping
	for _, obj := range objs {
		m := Mapping{}
		m.Name, _ = StringField(doc, obj, nameKey)
		m.Profile, _ = StringField(doc, obj, profileKey)
		m.ID, _ = StringField(doc, obj, idKey)
		if profile == "" || m.Profile == profile {
			out = append(out, m)
		}
	}
	return out, nil
}

type field struct {
	key string
	raw string
}

// render builds an object from pre-encoded values, indented to sit at elem
// inside an array. Single-line arrays get a compact object.
func render(fields []field, elem, unit string) (string, error) {
	var compact strings.Builder
	compact.WriteByte('{')
	for i, f := range fields {
		if i > 0 {
			compact.WriteByte(',')
		}
		compact.WriteString(quote(f.key))
		compact.WriteByte(':')
		compact.WriteString(f.raw)
	}
	compact.WriteByte('}')
	if unit == "" {
		return compact.String(), nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, []byte(compact.String()), elem, unit); err != nil {
		return "", malformed(0, "rendered object")
	}
	return buf.String(), nil
}

func formatScale(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64)
}
