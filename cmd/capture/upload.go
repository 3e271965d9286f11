package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dojo-tracker/capture/internal/auth"
	"github.com/dojo-tracker/capture/internal/models"
	"github.com/dojo-tracker/capture/internal/session"
	"github.com/dojo-tracker/capture/internal/validation"
)

var uploadMeta metaFlags

var uploadCmd = &cobra.Command{
	Use:   "upload FILE",
	Short: "Validate a video file and upload it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return uploadFile(cmd, args[0])
	},
}

func init() {
	addMetaFlags(uploadCmd, &uploadMeta)
}

func addMetaFlags(cmd *cobra.Command, m *metaFlags) {
	cmd.Flags().StringVar(&m.title, "title", "", `video title (default "<technique> - <date>")`)
	cmd.Flags().StringVar(&m.technique, "technique", "", "technique name, e.g. armbar")
	cmd.Flags().StringVar(&m.style, "style", "", "martial art style, e.g. BJJ")
	cmd.Flags().BoolVar(&m.public, "public", false, "make the video public (private by default)")
}

func uploadFile(cmd *cobra.Command, path string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cand, err := validation.CandidateFromPath(path)
	if err != nil {
		return err
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

	if err := ctrl.ChooseFile(cand); err != nil {
		return err
	}
	if err := f.await(models.StatePreviewing, interrupt); err != nil {
		return err
	}
	describeAsset(out, ctrl.Asset())

	desc, err := f.confirmAndWait(uploadMeta.metadata(), interrupt)
	if err != nil {
		return err
	}
	log.Info("file uploaded", zap.String("video_id", desc.ID), zap.String("path", path))
	fmt.Fprintln(out, desc.ID)
	return nil
}
