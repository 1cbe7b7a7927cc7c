package compose

import (
	"fmt"
	"strings"
)

// Marker lines delimiting the generated region of the artifact.
const (
	BeginMarker = "# <<<<<<< BEGIN DYNAMIC"
	EndMarker   = "# >>>>>>> END DYNAMIC"
)

// Split cuts content into the literal prefix (through the end of the BEGIN
// marker line) and the literal suffix (from the start of the END marker line).
func Split(content string) (prefix, suffix string, err error) {
	begin := strings.Index(content, BeginMarker)
	if begin < 0 {
		return "", "", fmt.Errorf("%w: BEGIN marker %q not found", ErrPrecondition, BeginMarker)
	}
	prefixEnd := len(content)
	if nl := strings.IndexByte(content[begin:], '\n'); nl >= 0 {
		prefixEnd = begin + nl + 1
	}

	end := strings.Index(content[prefixEnd:], EndMarker)
	if end < 0 {
		return "", "", fmt.Errorf("%w: END marker %q not found after BEGIN marker", ErrPrecondition, EndMarker)
	}
	end += prefixEnd
	suffixStart := strings.LastIndexByte(content[:end], '\n') + 1
	return content[:prefixEnd], content[suffixStart:], nil
}

// Body joins rendered blocks with a blank line between them. An empty block
// list yields an empty body.
func Body(blocks []string) string {
	if len(blocks) == 0 {
		return ""
	}
	return strings.Join(blocks, "\n\n") + "\n"
}

// Splice replaces the generated region of content with body.
func Splice(content, body string) (string, error) {
	prefix, suffix, err := Split(content)
	if err != nil {
		return "", err
	}
	return prefix + body + suffix, nil
}

// Generated returns the current generated region of content.
func Generated(content string) (string, error) {
	prefix, suffix, err := Split(content)
	if err != nil {
		return "", err
	}
	return content[len(prefix) : len(content)-len(suffix)], nil
}
