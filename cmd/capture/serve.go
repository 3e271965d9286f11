package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dojo-tracker/capture/internal/agent"
	"github.com/dojo-tracker/capture/internal/auth"
	"github.com/dojo-tracker/capture/internal/device"
	"github.com/dojo-tracker/capture/internal/mediastore"
	"github.com/dojo-tracker/capture/internal/realtime"
	"github.com/dojo-tracker/capture/internal/session"
	"github.com/dojo-tracker/capture/pkg/redis"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local capture agent (HTTP + WebSocket)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func serve() error {
	gin.SetMode(gin.ReleaseMode)
	ctx := context.Background()

	p, err := newPipeline(ctx, cfg, log)
	if err != nil {
		return err
	}

	presence := device.NewPresence(cfg.Device.VideoDevice, log.Named("device"))
	presence.Start(ctx)
	defer presence.Stop()

	var hub *realtime.Hub
	rdb, err := redis.FromConfig(ctx, cfg.Redis, log)
	switch {
	case err != nil:
		log.Warn("redis unavailable, session events stay local", zap.Error(err))
		hub = realtime.NewHub(log.Named("realtime"), nil, nil)
	case rdb != nil:
		defer rdb.Close()
		pubsub := realtime.NewRedisPubSub(rdb.Client, log.Named("realtime"))
		hub = realtime.NewHub(log.Named("realtime"), pubsub, pubsub)
	default:
		hub = realtime.NewHub(log.Named("realtime"), nil, nil)
	}

	a := agent.New(ctx, agent.Options{
		DepsFor: func(bearer string) session.Deps {
			return p.deps(auth.NewStatic(bearer))
		},
		PlayerFor: func(bearer string) mediastore.Player {
			return p.player(auth.NewStatic(bearer))
		},
		DeviceStatus: func() device.Status {
			return presence.Status(p.devices)
		},
		Hub:                hub,
		CORSAllowedOrigins: cfg.Agent.CORSAllowedOrigins,
		Log:                log,
	})

	srv := &http.Server{
		Addr:         cfg.Agent.Addr,
		Handler:      a.Router(),
		ReadTimeout:  cfg.Agent.ReadTimeout,
		WriteTimeout: cfg.Agent.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("agent listening", zap.String("addr", cfg.Agent.Addr),
			zap.String("media_store", cfg.MediaStore.Backend), zap.Strings("codecs", cfg.Recording.Codecs))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	var serveErr error
	select {
	case <-quit:
	case serveErr = <-errCh:
	}

	stopAgent(srv, a, shutdownTimeout, log)
	hub.Close()
	if p.devices.Held() {
		log.Warn("capture device still held at exit")
	}
	log.Info("agent stopped")
	return serveErr
}

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

// stopAgent drains HTTP and closes sessions concurrently, each with its own
// timeout. A request that outlives its grace period cannot cut short the wait
// for sessions to release the device.
func stopAgent(server, sessions shutdowner, timeout time.Duration, log *zap.Logger) {
	srvDone := make(chan struct{})
	go func() {
		defer close(srvDone)
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Error("server shutdown", zap.Error(err))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := sessions.Shutdown(ctx); err != nil {
		log.Error("session shutdown", zap.Error(err))
	}
	<-srvDone
}
