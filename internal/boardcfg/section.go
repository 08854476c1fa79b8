// Package boardcfg rewrites the line-oriented Arduino configuration files
// (boards.txt, platform.txt) of a hardware-support tree.
package boardcfg

import (
	"strings"
)

const bannerRule = "##############################################################"

// Section identifies a board block to clone under a new key
type Section struct {
	// OldKey is the key prefix of the existing block, e.g. "esp32"
	OldKey string
	// NewKey replaces OldKey in the clone, e.g. "nuttyfi32"
	NewKey string
	// Label is the value of the anchor line "<OldKey>.name=<Label>"
	Label string
	// Banner is the title written above the clone; defaults to NewKey
	Banner string
}

// Anchor returns the line that starts the section
func (s Section) Anchor() string {
	return s.OldKey + ".name=" + s.Label
}

func (s Section) banner() []string {
	title := s.Banner
	if title == "" {
		title = s.NewKey
	}
	return []string{"", bannerRule, "# " + title, bannerRule, ""}
}

// DuplicateSection inserts a renamed copy of the section right after its
// end. The original section is left in place. It reports false and returns
// text unchanged when the anchor line is absent.
//
// Running it twice on the same text appends a second copy.
func DuplicateSection(text string, s Section) (string, bool) {
	lines, eol := splitLines(text)

	start := findAnchor(lines, s.Anchor())
	if start < 0 {
		return text, false
	}
	end := findEnd(lines, start, s.OldKey)

	clone := renamed(lines[start:end], s)

	out := make([]string, 0, len(lines)+len(clone))
	out = append(out, lines[:end]...)
	out = append(out, clone...)
	out = append(out, lines[end:]...)
	return strings.Join(out, eol), true
}

// splitLines splits text on line endings. CRLF files are reported with a
// "\r\n" separator so they can be joined back unchanged.
func splitLines(text string) ([]string, string) {
	if strings.Contains(text, "\r\n") {
		return strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n"), "\r\n"
	}
	return strings.Split(text, "\n"), "\n"
}

func findAnchor(lines []string, anchor string) int {
	for i, line := range lines {
		if strings.TrimSpace(line) == anchor {
			return i
		}
	}
	return -1
}

// findEnd returns the index of the first line after start that belongs to
// neither the section nor its separators, falling back to the next foreign
// ".name=" line and finally to len(lines).
func findEnd(lines []string, start int, oldKey string) int {
	prefix := oldKey + "."
	menuPrefix := oldKey + ".menu."

	for i := start + 1; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if line == "" || isComment(line) {
			continue
		}
		if strings.HasPrefix(line, prefix) || strings.HasPrefix(line, menuPrefix) {
			continue
		}
		return i
	}

	for i := start + 1; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if strings.Contains(line, ".name=") && !strings.HasPrefix(line, prefix) && !isComment(line) {
			return i
		}
	}

	return len(lines)
}

func renamed(section []string, s Section) []string {
	oldPrefix := s.OldKey + "."
	newPrefix := s.NewKey + "."

	out := s.banner()
	for _, line := range section {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, oldPrefix):
			out = append(out, strings.Replace(line, oldPrefix, newPrefix, 1))
		case trimmed == "" || isComment(trimmed):
			out = append(out, line)
		}
	}
	return out
}

func isComment(trimmed string) bool {
	return strings.HasPrefix(trimmed, "#")
}
