package upload

import (
	"context"
	"io"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/dojo-tracker/capture/internal/errs"
	"github.com/dojo-tracker/capture/internal/models"
	"github.com/dojo-tracker/capture/pkg/storage"
)

// ObjectStore is the write side of a recordings bucket (*storage.S3 or *storage.Minio).
type ObjectStore interface {
	Upload(ctx context.Context, key, contentType string, body io.Reader, contentLength int64, metadata map[string]string) (string, error)
}

// S3Sender writes assets straight into the recordings bucket.
type S3Sender struct {
	store ObjectStore
	log   *zap.Logger
	now   func() time.Time
}

// NewS3Sender creates a sender backed by store.
func NewS3Sender(store ObjectStore, log *zap.Logger) *S3Sender {
	if log == nil {
		log = zap.NewNop()
	}
	return &S3Sender{store: store, log: log, now: time.Now}
}

// Send stores the asset under a recordings key with the metadata as object
// metadata. Progress follows the bytes read by the uploader.
func (s *S3Sender) Send(ctx context.Context, asset *models.MediaAsset, meta models.Metadata) *Transfer {
	now := s.now()
	meta = meta.WithDefaults(now)
	return Start(ctx, func(ctx context.Context, report func(int)) (*models.VideoDescriptor, error) {
		payload, err := asset.Open()
		if err != nil {
			return nil, errs.Wrap(errs.ErrAssetUnreadable, "selected file can no longer be read", err)
		}
		defer payload.Close()

		id := asset.ID().String()
		key := storage.RecordingKey(id, asset.Filename(), now)
		body := &countingReader{r: io.LimitReader(payload, asset.Size()), total: asset.Size(), report: report}
		url, err := s.store.Upload(ctx, key, asset.MimeType(), body, asset.Size(), map[string]string{
			"title":          meta.Title,
			"technique-name": meta.TechniqueName,
			"style":          meta.Style,
			"is-private":     strconv.FormatBool(meta.IsPrivate),
		})
		if err != nil {
			return nil, cancelledOr(ctx, err, func(err error) error {
				s.log.Warn("s3 upload failed", zap.String("key", key), zap.Error(err))
				return errs.Wrap(errs.ErrOffline, "could not store the recording", err)
			})
		}
		s.log.Info("s3 upload finished", zap.String("key", key), zap.String("url", url))
		return &models.VideoDescriptor{
			ID:            key,
			Title:         meta.Title,
			TechniqueName: meta.TechniqueName,
			Style:         meta.Style,
			IsPrivate:     meta.IsPrivate,
			FileSize:      asset.Size(),
			CreatedAt:     now.UTC().Format(time.RFC3339),
		}, nil
	})
}
