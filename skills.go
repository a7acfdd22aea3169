package cireilclaw

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Skill is an on-demand capability document. Only the frontmatter is loaded
// at prompt time; the body is fetched by the read-skill tool.
type Skill struct {
	Slug      string
	Summary   string `toml:"summary"`
	WhenToUse string `toml:"whenToUse"`
}

// LoadSkills reads the frontmatter of every .md file under dir. The
// frontmatter schema is strict: summary and whenToUse must both be present
// and no other keys are allowed. Invalid skills are skipped with a warning.
func LoadSkills(dir string, logger *slog.Logger) []Skill {
	if logger == nil {
		logger = nopLogger
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("reading skills dir", "dir", dir, "error", err)
		}
		return nil
	}
	var skills []Skill
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("reading skill", "path", path, "error", err)
			continue
		}
		slug := strings.TrimSuffix(entry.Name(), ".md")
		skill, err := parseSkill(slug, string(raw))
		if err != nil {
			logger.Warn("skipping invalid skill", "path", path, "error", err)
			continue
		}
		skills = append(skills, skill)
	}
	return skills
}

func parseSkill(slug, raw string) (Skill, error) {
	front, _, err := splitFrontmatter(raw)
	if err != nil {
		return Skill{}, err
	}
	if front == "" {
		return Skill{}, fmt.Errorf("missing frontmatter")
	}
	skill := Skill{Slug: slug}
	meta, err := toml.Decode(front, &skill)
	if err != nil {
		return Skill{}, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Skill{}, fmt.Errorf("unknown frontmatter keys: %s", strings.Join(keys, ", "))
	}
	if skill.Summary == "" {
		return Skill{}, fmt.Errorf("frontmatter missing summary")
	}
	if skill.WhenToUse == "" {
		return Skill{}, fmt.Errorf("frontmatter missing whenToUse")
	}
	return skill, nil
}
