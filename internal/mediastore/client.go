// Package mediastore reads stored videos back from the Media Store for playback.
package mediastore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dojo-tracker/capture/internal/auth"
	"github.com/dojo-tracker/capture/internal/errs"
)

// Playback is an open video stream. The caller closes Body.
type Playback struct {
	Body          io.ReadCloser
	StatusCode    int // 200, or 206 for a range response
	ContentType   string
	ContentLength int64 // -1 when unknown
	ContentRange  string
	AcceptRanges  string
}

// Player opens a stored video by the id the upload returned. rangeHeader is
// forwarded so players can seek; empty requests the whole video.
type Player interface {
	Open(ctx context.Context, id, rangeHeader string) (*Playback, error)
}

// Client streams from GET {base}/api/training/videos/{id}/stream.
type Client struct {
	baseURL string
	auth    auth.Provider
	http    *http.Client
	log     *zap.Logger
}

// NewClient creates a playback client for the Media Store at baseURL.
func NewClient(baseURL string, provider auth.Provider, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		auth:    provider,
		http:    &http.Client{},
		log:     log,
	}
}

// StreamURL is the playback endpoint for id.
func (c *Client) StreamURL(id string) string {
	return c.baseURL + "/api/training/videos/" + url.PathEscape(id) + "/stream"
}

// Open streams video id from the Media Store with the provider's bearer
// credential. rangeHeader is forwarded when set.
func (c *Client) Open(ctx context.Context, id, rangeHeader string) (*Playback, error) {
	token, err := c.auth.Token(ctx)
	if err != nil {
		return nil, errs.Server(http.StatusUnauthorized, "media store credential unavailable: "+err.Error())
	}
	return get(ctx, c.http, c.log, c.StreamURL(id), "Bearer "+token, rangeHeader)
}

// Presigner signs playback URLs for a recordings bucket.
type Presigner interface {
	PresignedDownloadURL(ctx context.Context, key string) (string, error)
}

// S3Player streams objects written by the s3 upload backend through a
// presigned GET URL. ids are object keys.
type S3Player struct {
	presigner Presigner
	http      *http.Client
	log       *zap.Logger
}

// NewS3Player creates a player over presigner.
func NewS3Player(presigner Presigner, log *zap.Logger) *S3Player {
	if log == nil {
		log = zap.NewNop()
	}
	return &S3Player{presigner: presigner, http: &http.Client{Timeout: 0}, log: log}
}

// Open streams the object at key through a freshly signed URL.
func (p *S3Player) Open(ctx context.Context, key, rangeHeader string) (*Playback, error) {
	u, err := p.presigner.PresignedDownloadURL(ctx, key)
	if err != nil {
		return nil, errs.Wrap(errs.ErrOffline, "could not sign the playback URL", err)
	}
	return get(ctx, p.http, p.log, u, "", rangeHeader)
}

func get(ctx context.Context, client *http.Client, log *zap.Logger, target, authorization, rangeHeader string) (*Playback, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}

	started := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errs.Wrap(errs.ErrCancelled, "playback cancelled", err)
		}
		log.Warn("playback request failed", zap.Error(err))
		return nil, errs.Wrap(errs.ErrOffline, "could not reach the media store", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(raw))
		if resp.StatusCode == http.StatusNotFound || msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, errs.Server(resp.StatusCode, msg)
	}
	log.Debug("playback opened", zap.Int("status", resp.StatusCode), zap.Duration("took", time.Since(started)))

	pb := &Playback{
		Body:          resp.Body,
		StatusCode:    resp.StatusCode,
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: resp.ContentLength,
		ContentRange:  resp.Header.Get("Content-Range"),
		AcceptRanges:  resp.Header.Get("Accept-Ranges"),
	}
	if pb.ContentType == "" {
		pb.ContentType = "application/octet-stream"
	}
	return pb, nil
}

// Header copies the playback headers into h.
func (p *Playback) Header(h http.Header) {
	h.Set("Content-Type", p.ContentType)
	if p.ContentLength >= 0 {
		h.Set("Content-Length", strconv.FormatInt(p.ContentLength, 10))
	}
	if p.ContentRange != "" {
		h.Set("Content-Range", p.ContentRange)
	}
	if p.AcceptRanges != "" {
		h.Set("Accept-Ranges", p.AcceptRanges)
	}
}
