package cireilclaw

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/BurntSushi/toml"
)

// MemoryBlock is an always-loaded markdown document rendered into the system
// prompt. Blocks live under {agent_root}/blocks/{label}.md with a TOML
// frontmatter section delimited by +++ lines.
type MemoryBlock struct {
	Label       string
	Description string
	FilePath    string
	Content     string
}

// ContentChars reports the current block size in runes.
func (b MemoryBlock) ContentChars() int {
	return utf8.RuneCountInString(b.Content)
}

type blockFrontmatter struct {
	Description string `toml:"description"`
}

// LoadMemoryBlocks reads every .md file under dir. Files that fail to parse
// are skipped with a warning so one corrupt block cannot take the agent down.
// A missing directory yields no blocks.
func LoadMemoryBlocks(dir string, logger *slog.Logger) []MemoryBlock {
	if logger == nil {
		logger = nopLogger
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("reading blocks dir", "dir", dir, "error", err)
		}
		return nil
	}
	var blocks []MemoryBlock
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("reading memory block", "path", path, "error", err)
			continue
		}
		front, body, err := splitFrontmatter(string(raw))
		if err != nil {
			logger.Warn("skipping malformed memory block", "path", path, "error", err)
			continue
		}
		var meta blockFrontmatter
		if front != "" {
			if _, err := toml.Decode(front, &meta); err != nil {
				logger.Warn("skipping malformed memory block", "path", path, "error", err)
				continue
			}
		}
		blocks = append(blocks, MemoryBlock{
			Label:       strings.TrimSuffix(entry.Name(), ".md"),
			Description: meta.Description,
			FilePath:    path,
			Content:     strings.TrimSpace(body),
		})
	}
	return blocks
}

const frontmatterDelim = "+++"

// splitFrontmatter separates a +++-delimited TOML frontmatter from the
// document body. Documents without a leading delimiter have no frontmatter;
// an unterminated frontmatter is an error.
func splitFrontmatter(raw string) (front, body string, err error) {
	trimmed := strings.TrimPrefix(raw, "\uFEFF")
	if !strings.HasPrefix(trimmed, frontmatterDelim) {
		return "", raw, nil
	}
	rest := trimmed[len(frontmatterDelim):]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		if strings.TrimSpace(rest[:nl]) != "" {
			// Not a delimiter line, e.g. "+++title". Treat as plain body.
			return "", raw, nil
		}
		rest = rest[nl+1:]
	} else {
		return "", "", fmt.Errorf("unterminated frontmatter")
	}
	for off := 0; ; {
		idx := strings.Index(rest[off:], frontmatterDelim)
		if idx < 0 {
			return "", "", fmt.Errorf("unterminated frontmatter")
		}
		idx += off
		lineStart := idx == 0 || rest[idx-1] == '\n'
		lineEnd := idx + len(frontmatterDelim)
		tail := rest[lineEnd:]
		if nl := strings.IndexByte(tail, '\n'); nl >= 0 {
			if lineStart && strings.TrimSpace(tail[:nl]) == "" {
				return rest[:idx], tail[nl+1:], nil
			}
		} else if lineStart && strings.TrimSpace(tail) == "" {
			return rest[:idx], "", nil
		}
		off = lineEnd
	}
}
