package flags

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// MaxValueLen bounds the length of a single flag value.
const MaxValueLen = 1024

var tokenRe = regexp.MustCompile(`^-{1,2}[A-Za-z0-9][A-Za-z0-9_-]*$`)

// ValidateToken checks a raw CLI flag token such as "-ngl" or "--no-mmap".
func ValidateToken(token string) error {
	if !tokenRe.MatchString(token) {
		return fmt.Errorf("invalid flag name %q: must start with '-' followed by letters, digits, '-' or '_'", token)
	}
	return nil
}

// ValidateValue rejects values that could break out of the generated command line.
func ValidateValue(value string) error {
	if len(value) > MaxValueLen {
		return fmt.Errorf("value too long (%d > %d characters)", len(value), MaxValueLen)
	}
	if i := strings.IndexAny(value, ";|`$\n\r"); i >= 0 {
		return fmt.Errorf("value contains forbidden character %q", value[i])
	}
	return nil
}

// Truthy reports whether a bool flag value enables the flag. An empty value
// counts as enabled so that a bare flag can be stored without a value.
func Truthy(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "true", "1", "yes", "on":
		return true
	}
	return false
}

// Validate checks every entry of m against the schema and returns one message
// per problem, in map order. Names must be known logical names or well-formed
// CLI tokens; values must pass ValidateValue and any typed rule.
func (s *Schema) Validate(m *Map) []string {
	var problems []string
	m.Each(func(name, value string) {
		if _, known := s.byName[name]; !known {
			if err := ValidateToken(name); err != nil {
				problems = append(problems, err.Error())
				return
			}
		}
		if err := ValidateValue(value); err != nil {
			problems = append(problems, fmt.Sprintf("flag %s: %v", name, err))
			return
		}
		rule, ok := s.Rule(name)
		if !ok || value == "" {
			return
		}
		if err := rule.check(value); err != nil {
			problems = append(problems, fmt.Sprintf("flag %s: %v", name, err))
		}
	})
	return problems
}

func (r Rule) check(value string) error {
	switch r.Kind {
	case KindInt:
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return fmt.Errorf("must be an integer, got %q", value)
		}
		if float64(n) < r.Min || float64(n) > r.Max {
			return fmt.Errorf("must be between %g and %g, got %d", r.Min, r.Max, n)
		}
	case KindFloat:
		f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return fmt.Errorf("must be a number, got %q", value)
		}
		if f < r.Min || f > r.Max {
			return fmt.Errorf("must be between %g and %g, got %g", r.Min, r.Max, f)
		}
	case KindBool:
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "true", "false", "1", "0", "yes", "no", "on", "off":
		default:
			return fmt.Errorf("must be a boolean, got %q", value)
		}
	}
	return nil
}
