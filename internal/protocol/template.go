package protocol

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// Expand replaces ${name} placeholders in template with values from vars.
// Unknown placeholders are left in place.
func Expand(template string, vars map[string]string) string {
	if !strings.Contains(template, "${") {
		return template
	}

	return placeholderRe.ReplaceAllStringFunc(template, func(placeholder string) string {
		name := placeholderRe.FindStringSubmatch(placeholder)[1]
		if value, ok := vars[name]; ok {
			return value
		}
		return placeholder
	})
}

// FormatValue renders a capability value as an MQTT payload
func FormatValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	case map[string]any, []any:
		// For complex types, convert to JSON
		jsonBytes, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(jsonBytes)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// TopicID turns an arbitrary id into a single lowercase topic level,
// replacing anything outside [a-z0-9_-] with '-'
func TopicID(id string) string {
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range strings.ToLower(id) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}
