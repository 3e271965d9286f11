package models

// SessionState is the phase of one capture session.
type SessionState string

const (
	StateSourceSelection SessionState = "source_selection"
	StateRecording       SessionState = "recording"
	StatePreviewing      SessionState = "previewing"
	StateUploading       SessionState = "uploading"
	StateCompleted       SessionState = "completed"
	StateCancelled       SessionState = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s SessionState) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}
