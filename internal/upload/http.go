package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/dojo-tracker/capture/internal/auth"
	"github.com/dojo-tracker/capture/internal/errs"
	"github.com/dojo-tracker/capture/internal/models"
)

// VideosPath is the Media Store upload endpoint, relative to its base URL.
const VideosPath = "/api/training/videos"

const maxResponseBytes = 1 << 20

// HTTPSender posts the asset as one multipart request.
type HTTPSender struct {
	baseURL string
	auth    auth.Provider
	client  *http.Client
	log     *zap.Logger
}

// NewHTTPSender creates a sender for the Media Store at baseURL. timeout bounds
// the whole request; zero means no limit.
func NewHTTPSender(baseURL string, provider auth.Provider, timeout time.Duration, log *zap.Logger) *HTTPSender {
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPSender{
		baseURL: strings.TrimRight(baseURL, "/"),
		auth:    provider,
		client:  &http.Client{Timeout: timeout},
		log:     log,
	}
}

// Send starts the upload. The returned Transfer reports progress as the body is read.
func (s *HTTPSender) Send(ctx context.Context, asset *models.MediaAsset, meta models.Metadata) *Transfer {
	meta = meta.WithDefaults(time.Now())
	return Start(ctx, func(ctx context.Context, report func(int)) (*models.VideoDescriptor, error) {
		return s.send(ctx, asset, meta, report)
	})
}

func (s *HTTPSender) send(ctx context.Context, asset *models.MediaAsset, meta models.Metadata, report func(int)) (*models.VideoDescriptor, error) {
	token, err := s.auth.Token(ctx)
	if err != nil {
		return nil, errs.Server(http.StatusUnauthorized, "media store credential unavailable: "+err.Error())
	}

	head, tail, contentType, err := multipartFrame(asset, meta)
	if err != nil {
		return nil, fmt.Errorf("build multipart body: %w", err)
	}
	payload, err := asset.Open()
	if err != nil {
		return nil, errs.Wrap(errs.ErrAssetUnreadable, "selected file can no longer be read", err)
	}
	defer payload.Close()

	total := int64(len(head)) + asset.Size() + int64(len(tail))
	body := &countingReader{
		r:      io.MultiReader(bytes.NewReader(head), io.LimitReader(payload, asset.Size()), bytes.NewReader(tail)),
		total:  total,
		report: report,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+VideosPath, body)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.ContentLength = total
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	log := s.log.With(zap.String("asset_id", asset.ID().String()), zap.String("filename", asset.Filename()))
	log.Info("upload started", zap.String("size", humanize.IBytes(uint64(asset.Size()))))
	started := time.Now()

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, cancelledOr(ctx, err, func(err error) error {
			log.Warn("upload request failed", zap.Error(err))
			return errs.Wrap(errs.ErrOffline, "could not reach the media store", err)
		})
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, cancelledOr(ctx, err, func(err error) error {
			return errs.Wrap(errs.ErrOffline, "connection lost while reading the response", err)
		})
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		e := errs.Server(resp.StatusCode, serverMessage(raw))
		log.Warn("upload rejected", zap.Int("status", resp.StatusCode), zap.String("message", e.Message))
		return nil, e
	}

	var out struct {
		Video *models.VideoDescriptor `json:"video"`
	}
	if err := json.Unmarshal(raw, &out); err != nil || out.Video == nil {
		return nil, errs.Wrap(errs.ErrServer, "unexpected media store response", err)
	}
	log.Info("upload finished", zap.String("video_id", out.Video.ID), zap.Duration("took", time.Since(started)))
	return out.Video, nil
}

// multipartFrame renders everything around the file payload so the exact
// Content-Length is known before streaming.
func multipartFrame(asset *models.MediaAsset, meta models.Metadata) (head, tail []byte, contentType string, err error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fields := [][2]string{
		{"technique_name", meta.TechniqueName},
		{"style", meta.Style},
		{"title", meta.Title},
		{"is_private", strconv.FormatBool(meta.IsPrivate)},
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, nil, "", err
		}
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="video"; filename="%s"`, quoteEscaper.Replace(asset.Filename())))
	h.Set("Content-Type", asset.MimeType())
	if _, err := mw.CreatePart(h); err != nil {
		return nil, nil, "", err
	}
	head = append([]byte(nil), buf.Bytes()...)
	if err := mw.Close(); err != nil {
		return nil, nil, "", err
	}
	tail = append([]byte(nil), buf.Bytes()[len(head):]...)
	return head, tail, mw.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func serverMessage(raw []byte) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return ""
}
