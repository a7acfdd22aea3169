package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Area roots an agent may address. Virtual paths outside these are rejected
// before touching the filesystem.
var areaRoots = []string{"workspace", "memories", "blocks", "skills"}

// AccessDeniedError reports a virtual path that does not map into its
// sandbox area: wrong prefix, traversal, or a symlink pointing outside.
type AccessDeniedError struct {
	Virtual string
	Area    string
	Reason  string
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("access denied: %s: %s", e.Virtual, e.Reason)
}

// Resolver maps virtual absolute paths (/workspace/..., /memories/...,
// /blocks/..., /skills/...) to real paths under the agent root.
type Resolver struct {
	AgentRoot string
}

// Resolve maps a virtual path to its real location. The virtual path must
// begin with one of the four area roots; the result always lies under
// {AgentRoot}/{area}/. Traversal segments and symlinks whose canonical
// target leaves the area both fail with *AccessDeniedError.
func (r Resolver) Resolve(virtual string) (string, error) {
	area, ok := splitArea(virtual)
	if !ok {
		return "", &AccessDeniedError{
			Virtual: virtual,
			Reason:  "path must start with /workspace, /memories, /blocks, or /skills",
		}
	}

	root, err := filepath.Abs(r.AgentRoot)
	if err != nil {
		return "", &AccessDeniedError{Virtual: virtual, Area: area, Reason: "agent root unavailable"}
	}

	// Lexical normalization first: Join cleans ".." and "." segments.
	real := filepath.Join(root, filepath.FromSlash(strings.TrimPrefix(virtual, "/")))
	rel, err := filepath.Rel(root, real)
	if err != nil || escapes(rel) {
		return "", &AccessDeniedError{Virtual: virtual, Area: area, Reason: "path escapes the sandbox"}
	}
	if !underArea(rel, area) {
		return "", &AccessDeniedError{Virtual: virtual, Area: area, Reason: "path leaves its area"}
	}

	// The lexical form may still point outside through a symlink. Resolve
	// the deepest existing ancestor and re-check against the canonical root.
	canonicalRoot, err := canonicalize(root)
	if err != nil {
		return "", &AccessDeniedError{Virtual: virtual, Area: area, Reason: "agent root unavailable"}
	}
	canonical, err := canonicalize(real)
	if err != nil {
		return "", &AccessDeniedError{Virtual: virtual, Area: area, Reason: "path cannot be resolved"}
	}
	rel, err = filepath.Rel(canonicalRoot, canonical)
	if err != nil || filepath.IsAbs(rel) || escapes(rel) {
		return "", &AccessDeniedError{Virtual: virtual, Area: area, Reason: "symlink escapes the sandbox"}
	}
	if !underArea(rel, area) {
		return "", &AccessDeniedError{Virtual: virtual, Area: area, Reason: "symlink leaves its area"}
	}
	return canonical, nil
}

// splitArea extracts the area root from a virtual path. Accepts both the
// bare root ("/workspace") and paths below it ("/workspace/notes.md").
func splitArea(virtual string) (string, bool) {
	if !strings.HasPrefix(virtual, "/") {
		return "", false
	}
	trimmed := strings.TrimPrefix(virtual, "/")
	for _, area := range areaRoots {
		if trimmed == area || strings.HasPrefix(trimmed, area+"/") {
			return area, true
		}
	}
	return "", false
}

func escapes(rel string) bool {
	return rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func underArea(rel, area string) bool {
	return rel == area || strings.HasPrefix(rel, area+string(filepath.Separator))
}

// canonicalize resolves symlinks on the deepest existing ancestor of path
// and reattaches the non-existing suffix, so paths to files that are about
// to be created can still be checked.
func canonicalize(path string) (string, error) {
	suffix := ""
	current := path
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			if suffix == "" {
				return resolved, nil
			}
			return filepath.Join(resolved, suffix), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", err
		}
		suffix = filepath.Join(filepath.Base(current), suffix)
		current = parent
	}
}

// Sanitize replaces the concrete agent-root prefix in a message with the
// token "<sandbox>" so real host paths never reach the model or the user.
func Sanitize(msg, agentRoot string) string {
	if agentRoot == "" {
		return msg
	}
	clean := strings.TrimRight(agentRoot, string(filepath.Separator))
	msg = strings.ReplaceAll(msg, clean+string(filepath.Separator), "<sandbox>/")
	msg = strings.ReplaceAll(msg, clean, "<sandbox>")
	if canonical, err := filepath.EvalSymlinks(clean); err == nil && canonical != clean {
		msg = strings.ReplaceAll(msg, canonical+string(filepath.Separator), "<sandbox>/")
		msg = strings.ReplaceAll(msg, canonical, "<sandbox>")
	}
	return msg
}
