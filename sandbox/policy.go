package sandbox

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Characters that would let a command name smuggle shell syntax past the
// argv-only execution model.
const forbiddenCommandChars = `"'|&;$` + "`" + `\`

// CheckCommand validates a command name against the execution policy and
// returns its normalized form. The name is NFKC-normalized (so fullwidth
// or compatibility look-alikes collapse to ASCII before matching), must be
// a single token free of shell metacharacters, and must appear in the
// allowlist.
func CheckCommand(command string, allowed []string) (string, error) {
	name := norm.NFKC.String(strings.TrimSpace(command))
	if name == "" {
		return "", fmt.Errorf("no command given")
	}
	for _, r := range name {
		if unicode.IsSpace(r) {
			return "", fmt.Errorf("command must be a single binary name without whitespace")
		}
	}
	if strings.ContainsAny(name, forbiddenCommandChars) {
		return "", fmt.Errorf("command contains forbidden shell characters")
	}
	for _, candidate := range allowed {
		if name == candidate {
			return name, nil
		}
	}
	return "", fmt.Errorf("Command '%s' is not in the allowed binaries list.", name)
}
