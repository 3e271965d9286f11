package main

import (
	"fmt"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/dojo-tracker/capture/internal/recorder"
)

var codecsCmd = &cobra.Command{
	Use:   "codecs",
	Short: "Show the recording codec order and which encoders ffmpeg provides",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		codecs, err := recorder.ParseCodecs(cfg.Recording.Codecs)
		if err != nil {
			return fmt.Errorf("recording codecs: %w", err)
		}
		enc := &recorder.FFmpegEncoder{Path: cfg.Recording.FFmpegPath, Log: log.Named("encoder")}
		fmt.Fprintln(cmd.OutOrStdout(), renderCodecs(codecs, enc.Supports))
		return nil
	},
}

// renderCodecs tabulates codecs in negotiation order.
func renderCodecs(codecs []recorder.Codec, supported func(recorder.Codec) bool) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"#", "Codec", "RTP", "Container", "Encoder", "Available"})
	for i, c := range codecs {
		avail := "no"
		if supported(c) {
			avail = "yes"
		}
		tw.AppendRow(table.Row{strconv.Itoa(i + 1), c.Name, c.Capability.MimeType, c.Container, c.Video, avail})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight, AlignHeader: text.AlignLeft},
	})
	return tw.Render()
}
