package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// UploadStatus represents the upload job lifecycle.
type UploadStatus string

const (
	UploadPending   UploadStatus = "pending"
	UploadSending   UploadStatus = "sending"
	UploadSucceeded UploadStatus = "succeeded"
	UploadFailed    UploadStatus = "failed"
	UploadCancelled UploadStatus = "cancelled"
)

// ErrJobTransition is returned when a job status change would go backwards.
var ErrJobTransition = errors.New("illegal upload job transition")

// Metadata is the descriptive record sent alongside the asset.
type Metadata struct {
	Title         string `json:"title"`
	TechniqueName string `json:"technique_name"`
	Style         string `json:"style"`
	IsPrivate     bool   `json:"is_private"`
}

// WithDefaults fills the title the way the web recorder did: "<technique> - <date>".
func (m Metadata) WithDefaults(now time.Time) Metadata {
	if m.Title == "" {
		if m.TechniqueName != "" {
			m.Title = fmt.Sprintf("%s - %s", m.TechniqueName, now.Format("2006-01-02"))
		} else {
			m.Title = "Untitled Training Video"
		}
	}
	return m
}

// VideoDescriptor is the server-assigned record returned after a successful upload.
type VideoDescriptor struct {
	ID            string          `json:"id"`
	Title         string          `json:"title"`
	TechniqueName string          `json:"technique_name"`
	Style         string          `json:"style"`
	IsPrivate     bool            `json:"is_private"`
	FileSize      int64           `json:"file_size,omitempty"`
	CreatedAt     string          `json:"created_at"`
	Raw           json.RawMessage `json:"-"`
}

// UnmarshalJSON accepts numeric or string ids and keeps the raw body for fields
// this client does not model.
func (d *VideoDescriptor) UnmarshalJSON(b []byte) error {
	type plain VideoDescriptor
	var aux struct {
		plain
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*d = VideoDescriptor(aux.plain)
	if len(aux.ID) > 0 {
		var s string
		if err := json.Unmarshal(aux.ID, &s); err == nil {
			d.ID = s
		} else {
			var n json.Number
			if err := json.Unmarshal(aux.ID, &n); err != nil {
				return fmt.Errorf("video id: %w", err)
			}
			d.ID = n.String()
		}
	}
	d.Raw = append(json.RawMessage(nil), b...)
	return nil
}

// UploadJob tracks one attempt to transfer an asset plus metadata.
type UploadJob struct {
	ID         uuid.UUID
	Asset      *MediaAsset
	Metadata   Metadata
	Progress   int
	Status     UploadStatus
	Attempt    int
	Descriptor *VideoDescriptor
	Err        error
}

// NewUploadJob creates a pending job for asset.
func NewUploadJob(asset *MediaAsset, meta Metadata) *UploadJob {
	return &UploadJob{
		ID:       uuid.New(),
		Asset:    asset,
		Metadata: meta,
		Status:   UploadPending,
		Attempt:  1,
	}
}

// Begin moves a pending job to sending.
func (j *UploadJob) Begin() error {
	if j.Status != UploadPending {
		return fmt.Errorf("%w: %s -> %s", ErrJobTransition, j.Status, UploadSending)
	}
	j.Status = UploadSending
	j.Progress = 0
	return nil
}

// Advance records progress; values that would decrease are ignored.
// Reports whether the stored value changed.
func (j *UploadJob) Advance(percent int) bool {
	if j.Status != UploadSending {
		return false
	}
	if percent > 100 {
		percent = 100
	}
	if percent <= j.Progress {
		return false
	}
	j.Progress = percent
	return true
}

// Succeed finishes the job with the server descriptor.
func (j *UploadJob) Succeed(desc *VideoDescriptor) error {
	if j.Status != UploadSending {
		return fmt.Errorf("%w: %s -> %s", ErrJobTransition, j.Status, UploadSucceeded)
	}
	j.Status = UploadSucceeded
	j.Descriptor = desc
	return nil
}

// Fail finishes the job with err.
func (j *UploadJob) Fail(err error) error {
	if j.Status != UploadSending && j.Status != UploadPending {
		return fmt.Errorf("%w: %s -> %s", ErrJobTransition, j.Status, UploadFailed)
	}
	j.Status = UploadFailed
	j.Err = err
	return nil
}

// Cancel finishes an unfinished job as cancelled.
func (j *UploadJob) Cancel() error {
	if j.Status != UploadSending && j.Status != UploadPending {
		return fmt.Errorf("%w: %s -> %s", ErrJobTransition, j.Status, UploadCancelled)
	}
	j.Status = UploadCancelled
	return nil
}

// Retry returns a failed job to pending for a full resend with meta.
func (j *UploadJob) Retry(meta Metadata) error {
	if j.Status != UploadFailed {
		return fmt.Errorf("%w: %s -> %s", ErrJobTransition, j.Status, UploadPending)
	}
	j.Status = UploadPending
	j.Metadata = meta
	j.Progress = 0
	j.Err = nil
	j.Attempt++
	return nil
}

// String is used in log fields.
func (j *UploadJob) String() string {
	return j.ID.String() + "#" + strconv.Itoa(j.Attempt)
}
