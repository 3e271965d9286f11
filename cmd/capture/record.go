package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dojo-tracker/capture/internal/auth"
	"github.com/dojo-tracker/capture/internal/models"
	"github.com/dojo-tracker/capture/internal/session"
)

var (
	recordMeta     metaFlags
	recordDuration time.Duration
	recordOut      string
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record from the camera, then upload the take",
	Long: `Record from the configured camera until --duration elapses or Ctrl-C is
pressed, then upload the take. With --out the take is saved locally instead.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return record(cmd)
	},
}

func init() {
	addMetaFlags(recordCmd, &recordMeta)
	recordCmd.Flags().DurationVar(&recordDuration, "duration", 0, "stop after this long (0 waits for Ctrl-C)")
	recordCmd.Flags().StringVarP(&recordOut, "out", "o", "", "save the take to this file instead of uploading")
}

func record(cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	p, err := newPipeline(ctx, cfg, log)
	if err != nil {
		return err
	}
	ctrl := session.New(p.deps(auth.FromConfig(ctx, cfg)))
	out := cmd.OutOrStdout()
	f := startSession(ctx, ctrl, out)
	defer f.close()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	if err := ctrl.ChooseCapture(); err != nil {
		return err
	}
	if err := f.await(models.StateRecording, interrupt); err != nil {
		return err
	}
	fmt.Fprintln(out, "recording; press Ctrl-C to stop")

	if err := f.recordUntilStopped(recordDuration, interrupt); err != nil {
		return err
	}
	asset := ctrl.Asset()
	describeAsset(out, asset)

	if recordOut != "" {
		if err := saveAsset(asset, recordOut); err != nil {
			return err
		}
		log.Info("take saved", zap.String("path", recordOut), zap.Int64("bytes", asset.Size()))
		return nil
	}

	desc, err := f.confirmAndWait(recordMeta.metadata(), interrupt)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, desc.ID)
	return nil
}

// recordUntilStopped ends the take on timeout or the first interrupt, and
// returns once the asset is finalized. The engine may also finalize on its own
// at the configured maximum duration.
func (f *follower) recordUntilStopped(d time.Duration, interrupt <-chan os.Signal) error {
	var timeout <-chan time.Time
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}
	for {
		select {
		case <-timeout:
			return f.stopTake(interrupt)
		case <-interrupt:
			return f.stopTake(interrupt)
		case n := <-f.notes:
			f.print(n)
			if n.Kind == session.NotifyError {
				return n.Err
			}
			if s := f.ctrl.Snapshot(); s.State == models.StatePreviewing && s.Pending == "" {
				return nil
			}
		}
	}
}

// stopTake finalizes the recording. A further interrupt discards it.
func (f *follower) stopTake(interrupt <-chan os.Signal) error {
	if s := f.ctrl.Snapshot(); s.State == models.StateRecording && s.Pending == "" {
		if err := f.ctrl.Stop(); err != nil {
			return err
		}
	}
	return f.await(models.StatePreviewing, interrupt)
}

func saveAsset(a *models.MediaAsset, path string) error {
	rc, err := a.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	w, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, rc); err != nil {
		w.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return w.Close()
}
