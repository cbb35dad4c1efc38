package dispatch

import (
	"fmt"
	"os"
	"strings"
)

// ParseTargets splits a comma-separated target list, trimming entries and
// dropping blanks.
func ParseTargets(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

// SplitMessages splits inline text into one message per non-blank line.
func SplitMessages(text string) []string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		out = append(out, l)
	}
	return out
}

// ResolveMessages resolves the message source for a start request: a file
// reference wins over inline text.
func ResolveMessages(text, file string) ([]string, error) {
	if f := strings.TrimSpace(file); f != "" {
		b, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("read message file: %w", err)
		}
		return SplitMessages(string(b)), nil
	}
	return SplitMessages(text), nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
