package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/offlinedash/usbsync/internal/domain"
)

// SectionKey is the namespaced configuration section for the offload engine
const SectionKey = "usb_copy"

// Load reads and parses the configuration document at path.
// The document is JSON with comments permitted; comments are stripped
// before parsing. A missing file yields the defaults with Enabled=false.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			return &cfg, nil
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrConfigNotFound, err)
	}

	return LoadFromString(string(raw))
}

// LoadFromString parses configuration from a JSONC document
func LoadFromString(content string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("json")

	cleaned := StripComments(content)
	if strings.TrimSpace(cleaned) == "" {
		cleaned = "{}"
	}

	if err := v.ReadConfig(strings.NewReader(cleaned)); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfigInvalid, err)
	}

	cfg := Default()
	if sub := v.Sub(SectionKey); sub != nil {
		if err := sub.Unmarshal(&cfg); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrConfigInvalid, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// StripComments removes // line comments and /* */ block comments from a
// JSON document while leaving quoted strings untouched, so values like
// "http://host" survive.
func StripComments(text string) string {
	var b strings.Builder
	b.Grow(len(text))

	inString := false
	inLine := false
	inBlock := false
	escaped := false

	for i := 0; i < len(text); i++ {
		ch := text[i]

		switch {
		case inLine:
			if ch == '\n' {
				inLine = false
				b.WriteByte(ch)
			}
		case inBlock:
			if ch == '*' && i+1 < len(text) && text[i+1] == '/' {
				inBlock = false
				i++
			} else if ch == '\n' {
				// keep line numbers stable for parse errors
				b.WriteByte(ch)
			}
		case inString:
			b.WriteByte(ch)
			if ch == '"' && !escaped {
				inString = false
			}
			escaped = ch == '\\' && !escaped
		default:
			if ch == '"' {
				inString = true
				escaped = false
				b.WriteByte(ch)
			} else if ch == '/' && i+1 < len(text) && text[i+1] == '/' {
				inLine = true
				i++
			} else if ch == '/' && i+1 < len(text) && text[i+1] == '*' {
				inBlock = true
				i++
			} else {
				b.WriteByte(ch)
			}
		}
	}

	return b.String()
}
