package cireilclaw

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cireilclaw/cireilclaw/internal/imaging"
)

// SessionStore abstracts durable per-agent state: conversation sessions,
// their externalized image blobs, and scheduled job rows. Implementations
// live under store/.
type SessionStore interface {
	// --- Sessions ---
	SaveSession(ctx context.Context, snap SessionSnapshot) error
	LoadSessions(ctx context.Context) ([]SessionSnapshot, error)
	DeleteSession(ctx context.Context, id string) error

	// --- Cron jobs ---
	SaveCronJob(ctx context.Context, row CronJobRow) error
	ListCronJobs(ctx context.Context) ([]CronJobRow, error)
	DeleteCronJob(ctx context.Context, jobID string) error
	MarkCronRun(ctx context.Context, jobID string, lastRun time.Time, nextRun *time.Time) error

	// --- Lifecycle ---
	Init(ctx context.Context) error
	Close() error
}

// ImageRef pairs a content-addressed image id with its media type. Stores
// record one (id, sessionId) row per ref so deletion can garbage-collect
// files that no other session shares.
type ImageRef struct {
	ID        string
	MediaType string
}

// ImageFilePath is where the raw bytes for a content-addressed image live.
func ImageFilePath(imagesDir, id, mediaType string) string {
	return filepath.Join(imagesDir, id+"."+imaging.Ext(mediaType))
}

// ExternalizeHistory prepares a history slice for persistence: inline image
// contents are written to content-addressed files under imagesDir and
// replaced with image_ref entries, and messages marked Persist=false are
// dropped. The returned refs list each distinct image once.
func ExternalizeHistory(history []Message, imagesDir string) ([]Message, []ImageRef, error) {
	out := make([]Message, 0, len(history))
	var refs []ImageRef
	seen := make(map[string]bool)
	for _, msg := range history {
		if msg.Persist != nil && !*msg.Persist {
			continue
		}
		stored := msg
		stored.Content = make([]Content, len(msg.Content))
		for i, c := range msg.Content {
			switch c.Type {
			case ContentImage:
				id := imaging.ContentID(c.Data)
				if !seen[id] {
					if err := writeImageFile(imagesDir, id, c.MediaType, c.Data); err != nil {
						return nil, nil, err
					}
					seen[id] = true
					refs = append(refs, ImageRef{ID: id, MediaType: c.MediaType})
				}
				stored.Content[i] = ImageRefContent(id, c.MediaType)
			case ContentImageRef:
				if !seen[c.ID] {
					seen[c.ID] = true
					refs = append(refs, ImageRef{ID: c.ID, MediaType: c.MediaType})
				}
				stored.Content[i] = c
			default:
				stored.Content[i] = c
			}
		}
		out = append(out, stored)
	}
	return out, refs, nil
}

// RehydrateHistory resolves image_ref entries back into inline image data
// after a load. A missing file degrades to a text placeholder so one lost
// blob cannot block session recovery.
func RehydrateHistory(history []Message, imagesDir string, logger *slog.Logger) []Message {
	if logger == nil {
		logger = nopLogger
	}
	for mi := range history {
		for ci := range history[mi].Content {
			c := &history[mi].Content[ci]
			if c.Type != ContentImageRef {
				continue
			}
			data, err := os.ReadFile(ImageFilePath(imagesDir, c.ID, c.MediaType))
			if err != nil {
				logger.Warn("image blob missing", "id", c.ID, "error", err)
				*c = TextContent(fmt.Sprintf("[image %s unavailable]", c.ID))
				continue
			}
			*c = ImageContent(c.MediaType, data)
		}
	}
	return history
}

func writeImageFile(dir, id, mediaType string, data []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating images dir: %w", err)
	}
	path := ImageFilePath(dir, id, mediaType)
	if _, err := os.Stat(path); err == nil {
		// Content-addressed: same id means same bytes.
		return nil
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing image %s: %w", id, err)
	}
	return nil
}
