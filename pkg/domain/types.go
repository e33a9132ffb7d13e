package domain

import (
	"encoding/json"
	"time"
)

// UnclaimedOwnerID owns artifacts created without an authenticated session.
const UnclaimedOwnerID = "unclaimed"

type ChapterFormat string

const (
	FormatMP3 ChapterFormat = "mp3"
	FormatM4B ChapterFormat = "m4b"
)

// ParseChapterFormat accepts "mp3" and "m4b" (case-insensitive, optional leading dot).
func ParseChapterFormat(s string) (ChapterFormat, bool) {
	switch normalizeFormat(s) {
	case string(FormatMP3):
		return FormatMP3, true
	case string(FormatM4B):
		return FormatM4B, true
	}
	return "", false
}

func normalizeFormat(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if i == 0 && c == '.' {
			continue
		}
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}

// ContentType returns the MIME type used when storing chapter bytes.
func (f ChapterFormat) ContentType() string {
	if f == FormatM4B {
		return "audio/mp4"
	}
	return "audio/mpeg"
}

// Backend kinds recorded on rows so migrations can tell where bytes live.
const (
	BackendLocal = "local"
	BackendS3    = "s3"
)

type Audiobook struct {
	BookID    string          `json:"bookId"`
	OwnerID   string          `json:"ownerId"`
	Title     string          `json:"title,omitempty"`
	Settings  json.RawMessage `json:"settings,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

type Chapter struct {
	BookID      string        `json:"bookId"`
	OwnerID     string        `json:"ownerId"`
	Index       int           `json:"index"`
	Title       string        `json:"title"`
	Format      ChapterFormat `json:"format"`
	DurationSec float64       `json:"durationSec"`
	Backend     string        `json:"-"`
	FilePath    string        `json:"-"`
	CreatedAt   time.Time     `json:"createdAt"`
}

type Document struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"ownerId"`
	Name         string    `json:"name"`
	Type         string    `json:"type"`
	Size         int64     `json:"size"`
	PageCount    int       `json:"pageCount,omitempty"`
	LastModified time.Time `json:"lastModified"`
	Backend      string    `json:"-"`
	FilePath     string    `json:"-"`
}

// MigrationState records which layout migrations have provably completed.
type MigrationState struct {
	DocumentsV1Migrated  bool      `json:"documentsV1Migrated"`
	AudiobooksV1Migrated bool      `json:"audiobooksV1Migrated"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// BlobRef locates a chapter's bytes in either backend.
type BlobRef struct {
	Namespace string
	OwnerID   string
	BookID    string
	FileName  string
}
