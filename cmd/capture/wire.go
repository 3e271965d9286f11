package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/dojo-tracker/capture/config"
	"github.com/dojo-tracker/capture/internal/auth"
	"github.com/dojo-tracker/capture/internal/device"
	"github.com/dojo-tracker/capture/internal/mediastore"
	"github.com/dojo-tracker/capture/internal/recorder"
	"github.com/dojo-tracker/capture/internal/session"
	"github.com/dojo-tracker/capture/internal/upload"
	"github.com/dojo-tracker/capture/internal/validation"
	"github.com/dojo-tracker/capture/pkg/storage"
)

// pipeline holds the components shared by every session in this process.
type pipeline struct {
	cfg     *config.Config
	log     *zap.Logger
	devices *device.Arbitrator
	engine  *recorder.Engine
	gate    *validation.Gate
	objects objectStore // nil for the http backend
}

// objectStore is a bucket the agent writes to and plays back from directly.
type objectStore interface {
	upload.ObjectStore
	mediastore.Presigner
}

func newPipeline(ctx context.Context, cfg *config.Config, log *zap.Logger) (*pipeline, error) {
	codecs, err := recorder.ParseCodecs(cfg.Recording.Codecs)
	if err != nil {
		return nil, fmt.Errorf("recording codecs: %w", err)
	}

	devices := device.NewArbitrator(&device.FFmpegDriver{
		FFmpegPath:  cfg.Recording.FFmpegPath,
		VideoDevice: cfg.Device.VideoDevice,
		AudioDevice: cfg.Device.AudioDevice,
		StopTimeout: cfg.Device.StopTimeout,
		Log:         log.Named("device"),
	}, cfg.Device.LockPath, log.Named("device"))

	engine := recorder.NewEngine(&recorder.FFmpegEncoder{
		Path:        cfg.Recording.FFmpegPath,
		StopTimeout: cfg.Device.StopTimeout,
		Log:         log.Named("encoder"),
	}, devices, codecs, log.Named("recorder"))
	engine.SetSegmentBytes(cfg.Recording.SegmentBytes)
	engine.SetMaxDuration(cfg.Recording.MaxDuration)

	p := &pipeline{
		cfg:     cfg,
		log:     log,
		devices: devices,
		engine:  engine,
		gate:    validation.NewGate(cfg.Upload.MaxBytes),
	}
	switch cfg.MediaStore.Backend {
	case "s3":
		p.objects, err = storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			RecordingsBucket:     cfg.AWS.RecordingsBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, log.Named("s3"))
		if err != nil {
			return nil, fmt.Errorf("s3: %w", err)
		}
	case "minio":
		p.objects, err = storage.NewMinio(ctx, storage.MinioConfig{
			Endpoint:             cfg.Minio.Endpoint,
			AccessKey:            cfg.Minio.AccessKey,
			SecretKey:            cfg.Minio.SecretKey,
			UseSSL:               cfg.Minio.UseSSL,
			Region:               cfg.Minio.Region,
			Bucket:               cfg.Minio.Bucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, log.Named("minio"))
		if err != nil {
			return nil, fmt.Errorf("minio: %w", err)
		}
	}
	return p, nil
}

// sender returns the upload transport presenting provider's credential.
func (p *pipeline) sender(provider auth.Provider) upload.Sender {
	if p.objects != nil {
		return upload.NewS3Sender(p.objects, p.log.Named("upload"))
	}
	return upload.NewHTTPSender(p.cfg.MediaStore.URL, provider, p.cfg.Upload.Timeout, p.log.Named("upload"))
}

// player returns the playback client presenting provider's credential.
func (p *pipeline) player(provider auth.Provider) mediastore.Player {
	if p.objects != nil {
		return mediastore.NewS3Player(p.objects, p.log.Named("playback"))
	}
	return mediastore.NewClient(p.cfg.MediaStore.URL, provider, p.log.Named("playback"))
}

func (p *pipeline) deps(provider auth.Provider) session.Deps {
	return session.Deps{
		Devices: p.devices,
		Record:  session.EngineStart(p.engine),
		Gate:    p.gate,
		Sender:  p.sender(provider),
		Constraints: device.Constraints{
			Width:     p.cfg.Device.Width,
			Height:    p.cfg.Device.Height,
			FrameRate: p.cfg.Device.FrameRate,
			Audio:     p.cfg.Device.AudioEnabled,
		},
		// encoder flush plus device stop
		StopTimeout: 2 * p.cfg.Device.StopTimeout,
		Log:         p.log.Named("session"),
	}
}
