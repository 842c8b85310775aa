package configutil

import (
	"sort"
	"strings"
)

// Schema lists the keys a provider settings map may carry. Keys match
// regardless of case, underscores and hyphens.
type Schema struct {
	Required     []string
	Optional     []string
	AllowUnknown bool
}

// SettingsError reports every schema violation of a settings map at once.
type SettingsError struct {
	Missing []string
	Unknown []string
}

func (e *SettingsError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unknown) > 0 {
		parts = append(parts, "unknown: "+strings.Join(e.Unknown, ", "))
	}
	return strings.Join(parts, "; ")
}

// ValidateSettings checks input against schema. Blank strings count as
// missing. The returned error is a *SettingsError.
func ValidateSettings(input map[string]any, schema Schema) error {
	present := make(map[string]any, len(input))
	var unknown []string
	known := schema.keys()
	for k, v := range input {
		nk := normalizeKey(k)
		present[nk] = v
		if _, ok := known[nk]; !ok && !schema.AllowUnknown {
			unknown = append(unknown, k)
		}
	}

	var missing []string
	for _, k := range schema.Required {
		if v, ok := present[normalizeKey(k)]; !ok || isBlank(v) {
			missing = append(missing, k)
		}
	}
	if len(missing) == 0 && len(unknown) == 0 {
		return nil
	}
	sort.Strings(missing)
	sort.Strings(unknown)
	return &SettingsError{Missing: missing, Unknown: unknown}
}

func (s Schema) keys() map[string]struct{} {
	out := make(map[string]struct{}, len(s.Required)+len(s.Optional))
	for _, k := range s.Required {
		out[normalizeKey(k)] = struct{}{}
	}
	for _, k := range s.Optional {
		out[normalizeKey(k)] = struct{}{}
	}
	return out
}

func isBlank(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	}
	return false
}
