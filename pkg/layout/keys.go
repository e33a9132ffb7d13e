// Package layout defines the versioned storage key scheme shared by the local
// filesystem and object storage backends.
//
//	{namespace}/documents_v1/{sha256}__{pct-name}
//	{namespace}/audiobooks_v1/{bookId}-audiobook/{file}                  (unclaimed)
//	{namespace}/audiobooks_v1/users/{ownerId}/{bookId}-audiobook/{file}
package layout

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"

	"openreader/pkg/chapter"
	"openreader/pkg/domain"
)

const (
	DocumentsDir   = "documents_v1"
	AudiobooksDir  = "audiobooks_v1"
	UsersDir       = "users"
	BookDirSuffix  = "-audiobook"
	MetaFileName   = "audiobook.meta.json"
	completePrefix = "complete."
	manifestSuffix = ".manifest.json"
)

var (
	sha256Pattern = regexp.MustCompile(`^[0-9a-f]{64}$`)
	idPattern     = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)
)

// ErrInvalidID is returned when a book or owner id cannot be used as a path segment.
var ErrInvalidID = errors.New("layout: invalid id")

// Keys builds keys under an optional namespace prefix.
type Keys struct {
	Namespace string
}

// NewKeys normalises the namespace (no leading/trailing slashes).
func NewKeys(namespace string) Keys {
	return Keys{Namespace: strings.Trim(strings.TrimSpace(namespace), "/")}
}

func (k Keys) join(parts ...string) string {
	if k.Namespace != "" {
		parts = append([]string{k.Namespace}, parts...)
	}
	return path.Join(parts...)
}

// Root returns the namespace prefix with a trailing slash ("" without a namespace).
func (k Keys) Root() string {
	if k.Namespace == "" {
		return ""
	}
	return k.Namespace + "/"
}

// Strip removes the namespace prefix from a full key.
func (k Keys) Strip(key string) string {
	return strings.TrimPrefix(key, k.Root())
}

// ValidateID checks that id is usable as a single path segment.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) || strings.Contains(id, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// DocumentsPrefix returns the documents directory prefix with a trailing slash.
func (k Keys) DocumentsPrefix() string {
	return k.join(DocumentsDir) + "/"
}

// DocumentKey returns the content-addressed key of a document.
func (k Keys) DocumentKey(sha, name string) string {
	return k.join(DocumentsDir, DocumentFileName(sha, name))
}

// DocumentFileName is the stored file name of a document.
func DocumentFileName(sha, name string) string {
	return sha + "__" + chapter.EncodeTitle(name)
}

// ParseDocumentName splits "{sha256}__{pct-name}".
func ParseDocumentName(fileName string) (sha, name string, ok bool) {
	sha, encoded, found := strings.Cut(fileName, "__")
	if !found || !sha256Pattern.MatchString(sha) || encoded == "" {
		return "", "", false
	}
	name, ok = chapter.DecodeTitle(encoded)
	if !ok {
		return "", "", false
	}
	return sha, name, true
}

// AudiobooksPrefix returns the audiobooks directory prefix with a trailing slash.
func (k Keys) AudiobooksPrefix() string {
	return k.join(AudiobooksDir) + "/"
}

// OwnerPrefix returns the prefix holding every book of an owner.
func (k Keys) OwnerPrefix(ownerID string) string {
	if ownerID == domain.UnclaimedOwnerID {
		return k.AudiobooksPrefix()
	}
	return k.join(AudiobooksDir, UsersDir, ownerID) + "/"
}

// BookPrefix returns the prefix of one book with a trailing slash.
func (k Keys) BookPrefix(ownerID, bookID string) string {
	return k.OwnerPrefix(ownerID) + BookDirName(bookID) + "/"
}

// BookDirName is the directory name of a book.
func BookDirName(bookID string) string {
	return bookID + BookDirSuffix
}

// BookIDFromDir reverses BookDirName.
func BookIDFromDir(dir string) (string, bool) {
	id, ok := strings.CutSuffix(dir, BookDirSuffix)
	if !ok || ValidateID(id) != nil {
		return "", false
	}
	return id, true
}

// ObjectKey returns the key of a file inside a book.
func (k Keys) ObjectKey(ref domain.BlobRef) string {
	return NewKeys(ref.Namespace).BookPrefix(ref.OwnerID, ref.BookID) + ref.FileName
}

// Ref returns a BlobRef in this namespace.
func (k Keys) Ref(ownerID, bookID, fileName string) domain.BlobRef {
	return domain.BlobRef{Namespace: k.Namespace, OwnerID: ownerID, BookID: bookID, FileName: fileName}
}

// ChapterKey returns the key of a chapter file.
func (k Keys) ChapterKey(ownerID, bookID string, index int, title string, format domain.ChapterFormat) string {
	return k.BookPrefix(ownerID, bookID) + chapter.EncodeFileName(index, title, format)
}

// MetaKey returns the key of the book settings file.
func (k Keys) MetaKey(ownerID, bookID string) string {
	return k.BookPrefix(ownerID, bookID) + MetaFileName
}

// ParseAudiobookKey splits a full key into its BlobRef. Nested paths below a
// book directory are rejected.
func (k Keys) ParseAudiobookKey(key string) (domain.BlobRef, bool) {
	rel, ok := strings.CutPrefix(key, k.AudiobooksPrefix())
	if !ok {
		return domain.BlobRef{}, false
	}
	parts := strings.Split(rel, "/")
	owner := domain.UnclaimedOwnerID
	switch {
	case len(parts) == 2:
	case len(parts) == 4 && parts[0] == UsersDir:
		owner = parts[1]
		if ValidateID(owner) != nil || owner == domain.UnclaimedOwnerID {
			return domain.BlobRef{}, false
		}
		parts = parts[2:]
	default:
		return domain.BlobRef{}, false
	}
	bookID, ok := BookIDFromDir(parts[0])
	if !ok || parts[1] == "" {
		return domain.BlobRef{}, false
	}
	return domain.BlobRef{Namespace: k.Namespace, OwnerID: owner, BookID: bookID, FileName: parts[1]}, true
}

// IsCompleteArtifact reports whether fileName is a combined "complete" file or its manifest.
func IsCompleteArtifact(fileName string) bool {
	rest, ok := strings.CutPrefix(fileName, completePrefix)
	if !ok {
		return false
	}
	rest = strings.TrimSuffix(rest, manifestSuffix)
	_, ok = domain.ParseChapterFormat(rest)
	return ok && rest == strings.ToLower(rest)
}

// CompleteFileNames lists every combined artifact name a book may carry.
func CompleteFileNames() []string {
	out := make([]string, 0, 4)
	for _, f := range []domain.ChapterFormat{domain.FormatMP3, domain.FormatM4B} {
		out = append(out, completePrefix+string(f), completePrefix+string(f)+manifestSuffix)
	}
	return out
}
