package flags

import (
	"fmt"
	"strings"
)

// ParseArgs turns an argument list such as ["-p", "512", "--no-mmap", "-n=128"]
// into a Map. A token is treated as a value unless it looks like a flag
// (a dash followed by a letter), so negative numbers are accepted as values.
// Flags without a value are stored with an empty value.
func ParseArgs(args []string) (*Map, error) {
	m := New()
	for i := 0; i < len(args); i++ {
		tok := args[i]
		if !looksLikeFlag(tok) {
			return nil, fmt.Errorf("flags: expected a flag, got %q", tok)
		}
		if name, value, ok := strings.Cut(tok, "="); ok {
			m.Set(name, value)
			continue
		}
		if i+1 < len(args) && !looksLikeFlag(args[i+1]) {
			m.Set(tok, args[i+1])
			i++
			continue
		}
		m.Set(tok, "")
	}
	return m, nil
}

// ParseArgString splits s on whitespace and parses it with ParseArgs.
func ParseArgString(s string) (*Map, error) {
	return ParseArgs(strings.Fields(s))
}

// Format renders m back into a single space-separated argument string.
func Format(m *Map) string {
	var parts []string
	m.Each(func(name, value string) {
		parts = append(parts, name)
		if value != "" {
			parts = append(parts, value)
		}
	})
	return strings.Join(parts, " ")
}

func looksLikeFlag(tok string) bool {
	if len(tok) < 2 || tok[0] != '-' {
		return false
	}
	c := strings.TrimLeft(tok, "-")
	if c == "" {
		return false
	}
	r := c[0]
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}
