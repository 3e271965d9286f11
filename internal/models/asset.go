package models

import (
	"bytes"
	"io"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Origin tells where an asset came from.
type Origin string

const (
	OriginRecorded     Origin = "recorded"
	OriginSelectedFile Origin = "selected-file"
)

// RecordedBasename is the multipart filename stem used for assets produced by live capture.
const RecordedBasename = "recorded-technique"

// MediaSegment is one chunk of encoder output, numbered in emission order.
type MediaSegment struct {
	Seq  int
	Data []byte
}

// MediaAsset is finalized media ready for preview and upload. It is never
// mutated after construction; readers get fresh copies of the payload.
type MediaAsset struct {
	id        uuid.UUID
	origin    Origin
	mimeType  string
	filename  string
	size      int64
	createdAt time.Time

	data []byte // recorded payload
	path string // selected file on disk
}

// NewRecordedAsset concatenates segments in emission order into one asset.
// The segment slice is not retained.
func NewRecordedAsset(segments []MediaSegment, mimeType, filename string) *MediaAsset {
	ordered := make([]MediaSegment, len(segments))
	copy(ordered, segments)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Seq < ordered[j].Seq })

	var total int
	for _, s := range ordered {
		total += len(s.Data)
	}
	data := make([]byte, 0, total)
	for _, s := range ordered {
		data = append(data, s.Data...)
	}
	return &MediaAsset{
		id:        uuid.New(),
		origin:    OriginRecorded,
		mimeType:  mimeType,
		filename:  filename,
		size:      int64(len(data)),
		createdAt: time.Now().UTC(),
		data:      data,
	}
}

// NewFileAsset references a user-selected file that already passed validation.
func NewFileAsset(path, filename, mimeType string, size int64) *MediaAsset {
	return &MediaAsset{
		id:        uuid.New(),
		origin:    OriginSelectedFile,
		mimeType:  mimeType,
		filename:  filename,
		size:      size,
		createdAt: time.Now().UTC(),
		path:      path,
	}
}

func (a *MediaAsset) ID() uuid.UUID        { return a.id }
func (a *MediaAsset) Origin() Origin       { return a.origin }
func (a *MediaAsset) MimeType() string     { return a.mimeType }
func (a *MediaAsset) Filename() string     { return a.filename }
func (a *MediaAsset) Size() int64          { return a.size }
func (a *MediaAsset) CreatedAt() time.Time { return a.createdAt }

// Open returns a new reader over the payload. Caller must close it.
func (a *MediaAsset) Open() (io.ReadSeekCloser, error) {
	if a.origin == OriginSelectedFile {
		f, err := os.Open(a.path)
		if err != nil {
			return nil, err
		}
		return f, nil
	}
	return memoryReader{bytes.NewReader(a.data)}, nil
}

type memoryReader struct{ *bytes.Reader }

func (memoryReader) Close() error { return nil }

// Bytes returns a copy of the payload.
func (a *MediaAsset) Bytes() ([]byte, error) {
	if a.origin == OriginRecorded {
		out := make([]byte, len(a.data))
		copy(out, a.data)
		return out, nil
	}
	rc, err := a.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
