package audit

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

type compiledRule struct {
	rule   Rule
	re     *regexp.Regexp
	except *regexp.Regexp
}

func (c compiledRule) replace(s string) string {
	if c.rule.MinDigits <= 0 && c.except == nil {
		return c.re.ReplaceAllString(s, c.rule.Mask)
	}
	return c.re.ReplaceAllStringFunc(s, func(match string) string {
		if countDigits(match) < c.rule.MinDigits {
			return match
		}
		if c.except != nil && c.except.MatchString(match) {
			return match
		}
		return c.rule.Mask
	})
}

func countDigits(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}

// Redactor masks contact details in audit payloads. It is a heuristic:
// a value that carries PII in an unexpected shape can slip through.
type Redactor struct {
	placeholder string
	keys        []string
	rules       []compiledRule
}

func NewRedactor(cfg RulesConfig) (*Redactor, error) {
	placeholder := cfg.Placeholder
	if placeholder == "" {
		placeholder = Placeholder
	}
	r := &Redactor{placeholder: placeholder}
	for _, key := range cfg.SensitiveKeys {
		if key = strings.ToLower(strings.TrimSpace(key)); key != "" {
			r.keys = append(r.keys, key)
		}
	}
	for _, rule := range cfg.Rules {
		if !rule.Enabled {
			continue
		}
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", rule.Name, err)
		}
		compiled := compiledRule{rule: rule, re: re}
		if rule.Except != "" {
			if compiled.except, err = regexp.Compile(rule.Except); err != nil {
				return nil, fmt.Errorf("rule %s except: %w", rule.Name, err)
			}
		}
		if compiled.rule.Mask == "" {
			compiled.rule.Mask = placeholder
		}
		r.rules = append(r.rules, compiled)
	}
	return r, nil
}

// Redact returns a redacted copy of v. Values that are not plain JSON
// shapes are normalised through encoding/json first.
func (r *Redactor) Redact(v interface{}) interface{} {
	if r == nil || v == nil {
		return v
	}
	return r.walk(v, false)
}

// RedactString masks a free-text value such as an error body.
func (r *Redactor) RedactString(s string) string {
	if r == nil {
		return s
	}
	return r.text(s)
}

func (r *Redactor) walk(value interface{}, sensitive bool) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, nested := range v {
			out[k] = r.walk(nested, sensitive || r.sensitiveKey(k))
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, nested := range v {
			out[i] = r.walk(nested, sensitive)
		}
		return out
	case string:
		if sensitive && v != "" {
			return r.placeholder
		}
		return r.text(v)
	case nil, bool:
		return v
	case float64, float32, int, int32, int64, uint, uint32, uint64, json.Number:
		if sensitive {
			return r.placeholder
		}
		return v
	default:
		return r.walk(toGeneric(v), sensitive)
	}
}

func (r *Redactor) text(s string) string {
	if strings.Contains(s, "@") {
		return r.placeholder
	}
	for _, rule := range r.rules {
		s = rule.replace(s)
	}
	return s
}

func (r *Redactor) sensitiveKey(key string) bool {
	key = strings.ToLower(key)
	for _, hint := range r.keys {
		if strings.Contains(key, hint) {
			return true
		}
	}
	return false
}

// toGeneric converts v to the map/slice/scalar shapes encoding/json
// produces. Anything that cannot be encoded falls back to its text form.
func toGeneric(v interface{}) interface{} {
	raw, ok := v.(json.RawMessage)
	if !ok {
		var err error
		if raw, err = json.Marshal(v); err != nil {
			return fmt.Sprintf("%v", v)
		}
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return string(raw)
	}
	return out
}
