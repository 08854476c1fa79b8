package boardcfg

import (
	"strings"
)

// Platform describes the platform.txt rewrite applied to a rebranded tree
type Platform struct {
	// Name replaces the first "name=" line that contains Match
	Name  string
	Match string
	// Python3Keys are keys whose "python" command is switched to "python3"
	Python3Keys []string
}

// RewritePlatform applies p to platform.txt content and reports whether
// anything changed.
func RewritePlatform(text string, p Platform) (string, bool) {
	lines, eol := splitLines(text)
	changed := false

	if p.Name != "" {
		for i, line := range lines {
			if strings.HasPrefix(line, "name=") && strings.Contains(line, p.Match) {
				next := "name=" + p.Name
				if next != line {
					lines[i] = next
					changed = true
				}
				break
			}
		}
	}

	for i, line := range lines {
		for _, key := range p.Python3Keys {
			prefix := key + "=python"
			if strings.HasPrefix(line, prefix) && !strings.HasPrefix(line, key+"=python3") {
				line = key + "=python3" + line[len(prefix):]
				changed = true
			}
		}
		lines[i] = line
	}

	return strings.Join(lines, eol), changed
}
