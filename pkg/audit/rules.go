package audit

import (
	"errors"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Placeholder replaces every redacted value.
const Placeholder = "[REDACTED]"

// Rule is an extra pattern masked inside string values. A match with fewer
// than MinDigits digits, or one that Except matches in full, is kept.
type Rule struct {
	Name      string `yaml:"name" json:"name"`
	Pattern   string `yaml:"pattern" json:"pattern"`
	Mask      string `yaml:"mask" json:"mask"`
	MinDigits int    `yaml:"min_digits" json:"min_digits"`
	Except    string `yaml:"except" json:"except"`
	Enabled   bool   `yaml:"enabled" json:"enabled"`
}

type RulesConfig struct {
	Placeholder string `yaml:"placeholder" json:"placeholder"`
	// SensitiveKeys are matched case-insensitively as substrings of
	// object keys; any scalar under such a key is replaced.
	SensitiveKeys []string `yaml:"sensitive_keys" json:"sensitive_keys"`
	Rules         []Rule   `yaml:"rules" json:"rules"`
}

// LoadRules reads a YAML rules file. An empty path yields the defaults.
func LoadRules(path string) (RulesConfig, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return DefaultRules(), err
	}

	var cfg RulesConfig
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return RulesConfig{}, err
	}
	if len(cfg.SensitiveKeys) == 0 && len(cfg.Rules) == 0 {
		return RulesConfig{}, errors.New("no redaction rules configured")
	}
	if cfg.Placeholder == "" {
		cfg.Placeholder = Placeholder
	}
	return cfg, nil
}

func DefaultRules() RulesConfig {
	return RulesConfig{
		Placeholder:   Placeholder,
		SensitiveKeys: []string{"email", "mail", "phone", "mobile"},
		Rules: []Rule{
			{
				// any digit run with phone punctuation; dates and amounts
				// are excluded
				Name:      "phone",
				Pattern:   `(?:\+|\(|\b)\d[\d\s().-]{5,}\d\b`,
				MinDigits: 7,
				Except:    `^(?:\d{4}-\d{2}-\d{2}|\d+\.\d{1,2})$`,
				Enabled:   true,
			},
		},
	}
}
