package sandbox

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// tmpfsBytes is the size of the private /tmp inside the jail.
const tmpfsBytes = 64 << 20

// Resolver files the child needs for user/DNS lookups, bound read-only when
// the host has them.
var etcFiles = []string{
	"/etc/passwd",
	"/etc/group",
	"/etc/nsswitch.conf",
	"/etc/resolv.conf",
}

// CA bundle locations across common distros. Whatever exists is bound so
// TLS keeps working inside the jail.
var caBundles = []string{
	"/etc/ssl/certs",
	"/etc/ssl/cert.pem",
	"/etc/pki/tls/certs/ca-bundle.crt",
	"/etc/ca-certificates",
}

// buildBwrapArgs assembles the bubblewrap argument vector for one request.
// command must already have passed CheckCommand.
func buildBwrapArgs(req Request, command string) ([]string, error) {
	args := []string{
		"--unshare-user",
		"--unshare-pid",
		"--unshare-ipc",
		"--unshare-uts",
		"--die-with-parent",
		"--bind", filepath.Join(req.AgentRoot, "workspace"), "/workspace",
		"--bind", filepath.Join(req.AgentRoot, "memories"), "/memories",
		"--bind", filepath.Join(req.AgentRoot, "skills"), "/skills",
		"--size", fmt.Sprintf("%d", tmpfsBytes),
		"--tmpfs", "/tmp",
		"--proc", "/proc",
		"--dev", "/dev",
	}

	for _, path := range etcFiles {
		if hostHas(path) {
			args = append(args, "--ro-bind", path, path)
		}
	}
	for _, path := range caBundles {
		if hostHas(path) {
			args = append(args, "--ro-bind", path, path)
		}
	}

	var searchPath string
	if hostHas("/nix/store") {
		binPath, closure, err := nixClosure(command)
		if err != nil {
			return nil, err
		}
		for _, store := range closure {
			args = append(args, "--ro-bind", store, store)
		}
		args = append(args, "--symlink", binPath, "/bin/"+command)
		searchPath = "/bin"
	} else {
		for _, dir := range []string{"/usr", "/bin", "/lib", "/lib64"} {
			if hostHas(dir) {
				args = append(args, "--ro-bind", dir, dir)
			}
		}
		searchPath = "/usr/local/bin:/usr/bin:/bin"
	}

	args = append(args, "--chdir", "/workspace", "--clearenv")

	env := map[string]string{
		"PATH":   searchPath,
		"HOME":   "/workspace",
		"LANG":   "C.UTF-8",
		"LC_ALL": "C.UTF-8",
	}
	for key, value := range readEnvFile(filepath.Join(req.AgentRoot, "workspace", ".env")) {
		env[key] = value
	}
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		args = append(args, "--setenv", key, env[key])
	}

	args = append(args, command)
	args = append(args, req.Args...)
	return args, nil
}

// nixClosure resolves an allowed binary to its store realpath and the
// transitive closure of store paths it needs at runtime.
func nixClosure(name string) (string, []string, error) {
	bin, err := exec.LookPath(name)
	if err != nil {
		return "", nil, fmt.Errorf("binary %q not found on host: %w", name, err)
	}
	real, err := filepath.EvalSymlinks(bin)
	if err != nil {
		return "", nil, fmt.Errorf("resolving %q: %w", name, err)
	}
	out, err := exec.Command("nix-store", "--query", "--requisites", real).Output()
	if err != nil {
		return "", nil, fmt.Errorf("querying store closure for %q: %w", name, err)
	}
	var closure []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			closure = append(closure, line)
		}
	}
	return real, closure, nil
}

// readEnvFile parses KEY=VALUE lines from a workspace .env file. Comment
// lines and lines without "=" are skipped; a missing file yields nil.
func readEnvFile(path string) map[string]string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	env := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		env[key] = strings.TrimSpace(value)
	}
	return env
}

func hostHas(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
