// Package chapter encodes chapter identity (index, title, format) into file
// names and audio-container title tags.
//
// File names look like "0001__Intro.mp3": the 1-based index padded to four
// digits, a "__" separator, the percent-encoded title and the format
// extension. Listing a book directory in lexicographic order therefore yields
// playback order for books under 10000 chapters.
//
// Decoders never fail loudly. They report ok=false for anything outside the
// scheme so callers can run them over listings that contain unrelated files.
package chapter

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"openreader/pkg/domain"
)

const (
	indexWidth    = 4
	separator     = "__"
	titleTagStart = "openreader-ch:"
)

// Name is a decoded chapter file name.
type Name struct {
	Index  int
	Title  string
	Format domain.ChapterFormat
}

// Tag is a decoded chapter title tag.
type Tag struct {
	Index int
	Title string
}

// EncodeFileName returns the canonical stored file name for a chapter.
func EncodeFileName(index int, title string, format domain.ChapterFormat) string {
	if index < 0 {
		index = 0
	}
	return fmt.Sprintf("%0*d%s%s.%s", indexWidth, index+1, separator, EncodeTitle(title), format)
}

// DecodeFileName parses a stored chapter file name.
func DecodeFileName(name string) (Name, bool) {
	dot := strings.LastIndexByte(name, '.')
	if dot < 0 {
		return Name{}, false
	}
	format, ok := domain.ParseChapterFormat(name[dot+1:])
	if !ok || name[dot+1:] != string(format) {
		return Name{}, false
	}
	stem := name[:dot]
	sep := strings.Index(stem, separator)
	if sep < indexWidth {
		return Name{}, false
	}
	ordinal, ok := parseOrdinal(stem[:sep])
	if !ok {
		return Name{}, false
	}
	title, ok := DecodeTitle(stem[sep+len(separator):])
	if !ok {
		return Name{}, false
	}
	return Name{Index: ordinal - 1, Title: title, Format: format}, true
}

// EncodeTitleTag packs index and title into a single metadata-safe string.
func EncodeTitleTag(index int, title string) string {
	if index < 0 {
		index = 0
	}
	return titleTagStart + strconv.Itoa(index) + ":" + EncodeTitle(title)
}

// DecodeTitleTag is the inverse of EncodeTitleTag.
func DecodeTitleTag(tag string) (Tag, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(tag), titleTagStart)
	if !ok {
		return Tag{}, false
	}
	rawIndex, rawTitle, ok := strings.Cut(rest, ":")
	if !ok || rawIndex == "" {
		return Tag{}, false
	}
	for i := 0; i < len(rawIndex); i++ {
		if rawIndex[i] < '0' || rawIndex[i] > '9' {
			return Tag{}, false
		}
	}
	index, err := strconv.Atoi(rawIndex)
	if err != nil {
		return Tag{}, false
	}
	title, ok := DecodeTitle(rawTitle)
	if !ok {
		return Tag{}, false
	}
	return Tag{Index: index, Title: title}, true
}

func parseOrdinal(s string) (int, bool) {
	if len(s) < indexWidth {
		return 0, false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, false
	}
	// Reject non-canonical padding such as "00001" so names stay unique.
	if len(s) > indexWidth && s[0] == '0' {
		return 0, false
	}
	return n, true
}

// EncodeTitle percent-encodes a title like encodeURIComponent, additionally
// escaping characters that are unsafe in file names on common filesystems.
func EncodeTitle(title string) string {
	var b strings.Builder
	b.Grow(len(title))
	for i := 0; i < len(title); i++ {
		c := title[i]
		if titleSafe(c) {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	return b.String()
}

// DecodeTitle reverses EncodeTitle. It reports false on malformed escapes.
func DecodeTitle(encoded string) (string, bool) {
	title, err := url.PathUnescape(encoded)
	if err != nil {
		return "", false
	}
	return title, true
}

func titleSafe(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	switch c {
	case '-', '_', '.', '!', '~', '\'', '(', ')':
		return true
	}
	return false
}
