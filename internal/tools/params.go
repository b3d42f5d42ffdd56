package tools

import (
	"strconv"
	"strings"
	"time"

	"github.com/brandon/mailcore/internal/mailerr"
)

func stringParam(params map[string]interface{}, name string) string {
	s, _ := params[name].(string)
	return strings.TrimSpace(s)
}

func requiredString(params map[string]interface{}, name string) (string, error) {
	s := stringParam(params, name)
	if s == "" {
		return "", mailerr.Errorf(mailerr.KindInvalid, "parse arguments", "%s is required", name)
	}
	return s, nil
}

// intParam accepts a JSON number or a numeric string
func intParam(params map[string]interface{}, name string) (int, error) {
	switch v := params[name].(type) {
	case nil:
		return 0, nil
	case float64:
		return int(v), nil
	case string:
		if strings.TrimSpace(v) == "" {
			return 0, nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, mailerr.Errorf(mailerr.KindInvalid, "parse arguments", "invalid %s: %v", name, err)
		}
		return n, nil
	}
	return 0, mailerr.Errorf(mailerr.KindInvalid, "parse arguments", "invalid %s", name)
}

func boolParam(params map[string]interface{}, name string) bool {
	switch v := params[name].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

// listParam accepts a JSON array or a comma-separated string. Numbers are
// rendered as decimal identifiers.
func listParam(params map[string]interface{}, name string) []string {
	var out []string
	add := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	switch v := params[name].(type) {
	case string:
		for _, s := range strings.Split(v, ",") {
			add(s)
		}
	case []interface{}:
		for _, item := range v {
			switch x := item.(type) {
			case string:
				add(x)
			case float64:
				add(strconv.FormatFloat(x, 'f', -1, 64))
			}
		}
	case []string:
		for _, s := range v {
			add(s)
		}
	}
	return out
}

// timeParam parses an RFC 3339 timestamp or a plain date
func timeParam(params map[string]interface{}, name string) (*time.Time, error) {
	s := stringParam(params, name)
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t, nil
		}
	}
	return nil, mailerr.Errorf(mailerr.KindInvalid, "parse arguments", "invalid %s format: %q", name, s)
}

// stringSchema describes a string argument
func stringSchema(description string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": description}
}

func idsSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":        "array",
		"items":       map[string]interface{}{"type": "string"},
		"description": "Message identifiers (UIDs from list/search results; \"#N\" addresses by position)",
	}
}
