// Package validation checks user-selected files before they become uploadable assets.
package validation

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"

	"github.com/dojo-tracker/capture/internal/errs"
	"github.com/dojo-tracker/capture/internal/models"
)

// DefaultMaxBytes is the Media Store's upload ceiling (100 MiB).
const DefaultMaxBytes int64 = 100 * 1024 * 1024

// The platform mime table is not guaranteed to know video extensions.
var videoExtensions = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/x-m4v",
	".mov":  "video/quicktime",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",
}

// Candidate describes a file the user picked.
type Candidate struct {
	Path        string
	Name        string
	ContentType string
	Size        int64
}

// Gate enforces type and size rules on candidates.
type Gate struct {
	MaxBytes int64
}

// NewGate returns a gate with the given ceiling; non-positive values use DefaultMaxBytes.
func NewGate(maxBytes int64) *Gate {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Gate{MaxBytes: maxBytes}
}

// Validate accepts video content types up to and including MaxBytes.
func (g *Gate) Validate(c Candidate) error {
	ct := strings.ToLower(strings.TrimSpace(c.ContentType))
	if !strings.HasPrefix(ct, "video/") {
		return errs.New(errs.ErrWrongType, fmt.Sprintf("%s is not a video file", displayName(c)))
	}
	if c.Size > g.MaxBytes {
		return errs.New(errs.ErrTooLarge, fmt.Sprintf("%s is %s; the limit is %s",
			displayName(c), humanize.IBytes(uint64(c.Size)), humanize.IBytes(uint64(g.MaxBytes))))
	}
	return nil
}

// Asset validates c and wraps it as a selected-file asset.
func (g *Gate) Asset(c Candidate) (*models.MediaAsset, error) {
	if err := g.Validate(c); err != nil {
		return nil, err
	}
	return models.NewFileAsset(c.Path, displayName(c), mediaType(c.ContentType), c.Size), nil
}

// CandidateFromPath builds a candidate from a file on disk. The type comes from
// the extension, or from the content when the extension is unknown.
func CandidateFromPath(path string) (Candidate, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Candidate{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return Candidate{}, errs.New(errs.ErrWrongType, path+" is a directory")
	}

	ext := strings.ToLower(filepath.Ext(path))
	ct := videoExtensions[ext]
	if ct == "" {
		ct = mime.TypeByExtension(ext)
	}
	if ct == "" {
		m, err := mimetype.DetectFile(path)
		if err != nil {
			return Candidate{}, fmt.Errorf("detect type of %s: %w", path, err)
		}
		ct = m.String()
	}
	return Candidate{
		Path:        path,
		Name:        filepath.Base(path),
		ContentType: ct,
		Size:        info.Size(),
	}, nil
}

func displayName(c Candidate) string {
	if c.Name != "" {
		return c.Name
	}
	if c.Path != "" {
		return filepath.Base(c.Path)
	}
	return "file"
}

// mediaType drops parameters such as "; charset=binary".
func mediaType(ct string) string {
	if mt, _, err := mime.ParseMediaType(ct); err == nil {
		return mt
	}
	return ct
}
