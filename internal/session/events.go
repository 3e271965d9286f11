package session

import (
	"github.com/dojo-tracker/capture/internal/device"
	"github.com/dojo-tracker/capture/internal/models"
	"github.com/dojo-tracker/capture/internal/validation"
)

// event is anything the loop consumes. User intents carry no generation;
// component outcomes carry the generation they were started under.
type event interface{ name() string }

type (
	chooseCaptureEvent struct{}
	chooseFileEvent    struct{ candidate validation.Candidate }
	stopEvent          struct{}
	cancelEvent        struct{}
	discardEvent       struct{}
	confirmEvent       struct{ meta models.Metadata }
	closeEvent         struct{}
)

type (
	acquiredEvent struct {
		gen    uint64
		handle *device.Handle
		rec    Recording
		err    error
	}
	segmentEvent struct {
		gen uint64
		seg models.MediaSegment
	}
	recordingEndedEvent struct{ gen uint64 }
	stoppedEvent        struct {
		gen   uint64
		asset *models.MediaAsset
		err   error
	}
	progressEvent struct {
		gen     uint64
		percent int
	}
	uploadedEvent struct {
		gen  uint64
		desc *models.VideoDescriptor
		err  error
	}
)

func (chooseCaptureEvent) name() string  { return "choose_capture" }
func (chooseFileEvent) name() string     { return "choose_file" }
func (stopEvent) name() string           { return "stop" }
func (cancelEvent) name() string         { return "cancel" }
func (discardEvent) name() string        { return "discard" }
func (confirmEvent) name() string        { return "confirm" }
func (closeEvent) name() string          { return "close" }
func (acquiredEvent) name() string       { return "acquired" }
func (segmentEvent) name() string        { return "segment" }
func (recordingEndedEvent) name() string { return "recording_ended" }
func (stoppedEvent) name() string        { return "stopped" }
func (progressEvent) name() string       { return "progress" }
func (uploadedEvent) name() string       { return "uploaded" }
