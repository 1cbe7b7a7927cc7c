package flags

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// MaxNameLen is the longest service name accepted (DNS label length).
const MaxNameLen = 63

var (
	nameRe       = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	disallowed   = regexp.MustCompile(`[^a-z0-9-]`)
	dashRun      = regexp.MustCompile(`-{2,}`)
	spaceOrUnder = strings.NewReplacer("_", "-", " ", "-")
)

// SanitizeName lowercases s and reduces it to [a-z0-9-], collapsing dash runs
// and trimming leading/trailing dashes. The result is at most MaxNameLen long.
func SanitizeName(s string) string {
	s = spaceOrUnder.Replace(strings.ToLower(s))
	s = disallowed.ReplaceAllString(s, "")
	s = dashRun.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > MaxNameLen {
		s = strings.TrimRight(s[:MaxNameLen], "-")
	}
	return s
}

// ServiceName derives the registry key for a service from its engine and alias.
func ServiceName(engine Engine, alias string) string {
	return SanitizeName(string(engine) + "-" + alias)
}

// ValidateName checks an explicitly chosen service name.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("service name is required")
	}
	if len(name) > MaxNameLen {
		return fmt.Errorf("service name %q exceeds %d characters", name, MaxNameLen)
	}
	if !nameRe.MatchString(name) {
		return fmt.Errorf("service name %q may only contain letters, digits, '-' and '_'", name)
	}
	return nil
}

// GenerateAPIKey returns a random credential in key-<32 hex> format.
func GenerateAPIKey() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("flags: generate api key: %w", err)
	}
	return "key-" + hex.EncodeToString(b), nil
}
