// Package kiln defines the filesystem-facing value types shared by the
// storage, hash-lookup, and embedding components: the normalized
// relative path, the file category enum, the file fingerprint tuple,
// and the note entity id encoding.
//
// Reference: spec.md §3 Data Model, §6 External Interfaces
package kiln

import (
	"strings"
	"time"

	"crucible/pkg/errkind"
	"crucible/pkg/hash"
)

// NormalizePath normalizes a relative path to Crucible's canonical form:
// forward slashes, no leading separator, no ".." components. It fails
// with errkind.InvalidPath if the input tries to escape its root.
func NormalizePath(p string) (string, error) {
	p = strings.ReplaceAll(p, `\`, "/")
	p = strings.TrimPrefix(p, "/")

	segments := strings.Split(p, "/")
	clean := make([]string, 0, len(segments))
	for _, seg := range segments {
		switch seg {
		case "", ".":
			continue
		case "..":
			return "", errkind.New(errkind.InvalidPath, "path escapes kiln root: "+p)
		default:
			clean = append(clean, seg)
		}
	}
	if len(clean) == 0 {
		return "", errkind.New(errkind.InvalidPath, "path normalizes to empty: "+p)
	}
	return strings.Join(clean, "/"), nil
}

// Category is the closed file-category enum driving should-index and
// should-watch decisions.
type Category string

const (
	CategoryMarkdown Category = "markdown"
	CategoryText     Category = "text"
	CategoryCode     Category = "code"
	CategoryConfig   Category = "config"
	CategoryNote     Category = "note"
	CategoryImage    Category = "image"
	CategoryAudio    Category = "audio"
	CategoryVideo    Category = "video"
	CategoryArchive  Category = "archive"
	CategoryBinary   Category = "binary"
	CategoryUnknown  Category = "unknown"
)

var extensionCategory = map[string]Category{
	".md":       CategoryMarkdown,
	".markdown": CategoryMarkdown,
	".txt":      CategoryText,
	".go":       CategoryCode,
	".py":       CategoryCode,
	".js":       CategoryCode,
	".ts":       CategoryCode,
	".rs":       CategoryCode,
	".json":     CategoryConfig,
	".yaml":     CategoryConfig,
	".yml":      CategoryConfig,
	".toml":     CategoryConfig,
	".ini":      CategoryConfig,
	".conf":     CategoryConfig,
	".note":     CategoryNote,
	".png":      CategoryImage,
	".jpg":      CategoryImage,
	".jpeg":     CategoryImage,
	".gif":      CategoryImage,
	".webp":     CategoryImage,
	".svg":      CategoryImage,
	".mp3":      CategoryAudio,
	".wav":      CategoryAudio,
	".flac":     CategoryAudio,
	".mp4":      CategoryVideo,
	".mov":      CategoryVideo,
	".mkv":      CategoryVideo,
	".zip":      CategoryArchive,
	".tar":      CategoryArchive,
	".gz":       CategoryArchive,
	".7z":       CategoryArchive,
}

// CategoryForPath derives the Category of a normalized relative path
// from its extension. A missing extension yields CategoryUnknown; an
// unrecognized extension yields CategoryBinary.
func CategoryForPath(path string) Category {
	idx := strings.LastIndexByte(path, '.')
	if idx < 0 || idx == len(path)-1 {
		return CategoryUnknown
	}
	ext := strings.ToLower(path[idx:])
	if cat, ok := extensionCategory[ext]; ok {
		return cat
	}
	return CategoryBinary
}

// ShouldIndex reports whether files of this category should be sent
// through the embedding pipeline (C4).
func (c Category) ShouldIndex() bool {
	switch c {
	case CategoryMarkdown, CategoryText, CategoryNote, CategoryCode, CategoryConfig:
		return true
	default:
		return false
	}
}

// ShouldWatch reports whether a filesystem watcher should surface
// change events for this category at all. Binary media is watched for
// change-detection bookkeeping but never indexed.
func (c Category) ShouldWatch() bool {
	return c != CategoryUnknown
}

// Fingerprint is the tuple identifying a file's content and metadata
// for change detection.
type Fingerprint struct {
	RelativePath string
	ContentHash  hash.Hash
	SizeBytes    int64
	ModifiedTime time.Time
	// HashAlgorithm is the algorithm the caller requested.
	HashAlgorithm string
	// FallbackAlgorithm holds the value pkg/hash.Selection.FallbackFrom
	// reports for a downgraded request (see spec.md §9 on the sha256
	// fallback). NewFingerprint does not set it; it stays empty unless
	// the caller fills it in.
	FallbackAlgorithm string
	FileCategory      Category
}

// NewFingerprint normalizes relativePath and derives FileCategory,
// returning an error if the path is invalid.
func NewFingerprint(relativePath string, contentHash hash.Hash, size int64, modified time.Time, algorithm string) (Fingerprint, error) {
	norm, err := NormalizePath(relativePath)
	if err != nil {
		return Fingerprint{}, err
	}
	return Fingerprint{
		RelativePath:  norm,
		ContentHash:   contentHash,
		SizeBytes:     size,
		ModifiedTime:  modified,
		HashAlgorithm: algorithm,
		FileCategory:  CategoryForPath(norm),
	}, nil
}

// EntityType is the closed enum of entity kinds a kiln stores.
type EntityType string

// EntityTypeNote is the only entity type spec.md's hard core names;
// additional types are reserved for future components.
const EntityTypeNote EntityType = "note"

// NoteEntityID derives the entity id body for a note at relativePath:
// "note:" + normalize(relativePath), where normalize replaces OS
// separators with "/" and ":" with "_". Already-prefixed ids are
// accepted as-is.
//
// Reference: spec.md §6 External Interfaces ("Entity id encoding")
func NoteEntityID(relativePath string) (string, error) {
	if strings.HasPrefix(relativePath, "note:") {
		return relativePath, nil
	}
	norm, err := NormalizePath(relativePath)
	if err != nil {
		return "", err
	}
	norm = strings.ReplaceAll(norm, ":", "_")
	return "note:" + norm, nil
}
