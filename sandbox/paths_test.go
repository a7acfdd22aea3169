package sandbox

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// newAgentRoot builds an agent directory with all four area roots and
// returns the root plus its canonical form (tmpdirs may sit behind
// symlinks on some hosts).
func newAgentRoot(t *testing.T) (string, string) {
	t.Helper()
	root := t.TempDir()
	for _, area := range []string{"workspace", "memories", "blocks", "skills"} {
		if err := os.MkdirAll(filepath.Join(root, area), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", area, err)
		}
	}
	canonical, err := filepath.EvalSymlinks(root)
	if err != nil {
		t.Fatalf("canonicalize root: %v", err)
	}
	return root, canonical
}

func TestResolverResolve(t *testing.T) {
	root, canonical := newAgentRoot(t)
	if err := os.WriteFile(filepath.Join(root, "workspace", "notes.md"), []byte("notes"), 0o644); err != nil {
		t.Fatalf("write notes.md: %v", err)
	}
	r := Resolver{AgentRoot: root}

	tests := []struct {
		name    string
		virtual string
		want    string
		wantErr string
	}{
		{"existing file", "/workspace/notes.md", filepath.Join(canonical, "workspace", "notes.md"), ""},
		{"area root", "/workspace", filepath.Join(canonical, "workspace"), ""},
		{"not yet created", "/workspace/new/deep/file.txt", filepath.Join(canonical, "workspace", "new", "deep", "file.txt"), ""},
		{"memories area", "/memories/2026-01.md", filepath.Join(canonical, "memories", "2026-01.md"), ""},
		{"traversal that stays inside", "/workspace/sub/../notes.md", filepath.Join(canonical, "workspace", "notes.md"), ""},
		{"absolute outside areas", "/etc/passwd", "", "must start with"},
		{"relative path", "workspace/notes.md", "", "must start with"},
		{"empty", "", "", "must start with"},
		{"bare slash", "/", "", "must start with"},
		{"area prefix without separator", "/workspacex/f", "", "must start with"},
		{"traversal into sibling area", "/workspace/../memories/secret.md", "", "leaves its area"},
		{"traversal out of the root", "/workspace/../../etc/passwd", "", "escapes the sandbox"},
		{"traversal to the root itself", "/workspace/..", "", "leaves its area"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(tt.virtual)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Resolve(%q) error: %v", tt.virtual, err)
				}
				if got != tt.want {
					t.Errorf("Resolve(%q) = %q, want %q", tt.virtual, got, tt.want)
				}
				return
			}
			if err == nil {
				t.Fatalf("Resolve(%q) = %q, want error containing %q", tt.virtual, got, tt.wantErr)
			}
			var denied *AccessDeniedError
			if !errors.As(err, &denied) {
				t.Fatalf("error type = %T, want *AccessDeniedError", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestResolverSymlinkEscape(t *testing.T) {
	root, _ := newAgentRoot(t)
	if err := os.Symlink("/etc", filepath.Join(root, "workspace", "link")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	_, err := Resolver{AgentRoot: root}.Resolve("/workspace/link/passwd")
	if err == nil {
		t.Fatal("Resolve followed a symlink out of the sandbox")
	}
	var denied *AccessDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("error type = %T, want *AccessDeniedError", err)
	}
	if denied.Area != "workspace" {
		t.Errorf("Area = %q, want workspace", denied.Area)
	}
	if !strings.Contains(err.Error(), "workspace") {
		t.Errorf("error = %q, want it to name the workspace area", err)
	}
	if !strings.Contains(err.Error(), "symlink escapes") {
		t.Errorf("error = %q, want a symlink escape reason", err)
	}
}

func TestResolverSymlinkCrossingAreas(t *testing.T) {
	root, _ := newAgentRoot(t)
	if err := os.Symlink(filepath.Join(root, "memories"), filepath.Join(root, "workspace", "mem")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	_, err := Resolver{AgentRoot: root}.Resolve("/workspace/mem/notes.md")
	if err == nil {
		t.Fatal("Resolve followed a symlink into another area")
	}
	if !strings.Contains(err.Error(), "symlink leaves its area") {
		t.Errorf("error = %q, want symlink leaves its area", err)
	}
}

func TestResolverSymlinkWithinArea(t *testing.T) {
	root, canonical := newAgentRoot(t)
	sub := filepath.Join(root, "workspace", "sub")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatalf("mkdir sub: %v", err)
	}
	if err := os.Symlink(sub, filepath.Join(root, "workspace", "alias")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	got, err := Resolver{AgentRoot: root}.Resolve("/workspace/alias/file.txt")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := filepath.Join(canonical, "workspace", "sub", "file.txt")
	if got != want {
		t.Errorf("Resolve = %q, want %q", got, want)
	}
}

// --- Sanitize tests ---

func TestSanitize(t *testing.T) {
	root := "/srv/agents/maya"
	tests := []struct {
		name string
		msg  string
		want string
	}{
		{
			"path with separator",
			"reading /srv/agents/maya/workspace/a.txt: permission denied",
			"reading <sandbox>/workspace/a.txt: permission denied",
		},
		{
			"bare root",
			"stat /srv/agents/maya: not a directory",
			"stat <sandbox>: not a directory",
		},
		{
			"no occurrence",
			"old_text not found in /workspace/a.txt",
			"old_text not found in /workspace/a.txt",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(tt.msg, root); got != tt.want {
				t.Errorf("Sanitize = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSanitizeEmptyRoot(t *testing.T) {
	msg := "reading /srv/agents/maya/workspace/a.txt"
	if got := Sanitize(msg, ""); got != msg {
		t.Errorf("Sanitize with empty root = %q, want input unchanged", got)
	}
}

func TestSanitizeTrailingSeparator(t *testing.T) {
	got := Sanitize("open /srv/agents/maya/workspace/x", "/srv/agents/maya/")
	if want := "open <sandbox>/workspace/x"; got != want {
		t.Errorf("Sanitize = %q, want %q", got, want)
	}
}

func TestSanitizeCanonicalAlias(t *testing.T) {
	target := t.TempDir()
	link := filepath.Join(t.TempDir(), "alias")
	if err := os.Symlink(target, link); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	canonical, err := filepath.EvalSymlinks(target)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}

	got := Sanitize("reading "+canonical+"/workspace/a.txt: denied", link)
	if want := "reading <sandbox>/workspace/a.txt: denied"; got != want {
		t.Errorf("Sanitize = %q, want %q", got, want)
	}
}
