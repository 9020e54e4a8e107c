// Package acquire is the process boundary between the device-owning worker
// and the coordinating process.  Commands flow one way, events the other,
// both ordered; frames cross through a fixed-layout shared buffer rather
// than the event stream.
package acquire

import "encoding/json"

// CommandKind tags a command crossing the boundary
type CommandKind string

const (
	CmdMoveStage     CommandKind = "move_stage"
	CmdStopStage     CommandKind = "stop_stage"
	CmdAcquire       CommandKind = "acquire"
	CmdStopAcquire   CommandKind = "stop_acquire"
	CmdUpdateSetting CommandKind = "update_setting"
	CmdLoadFeature   CommandKind = "load_feature"
	CmdTerminate     CommandKind = "terminate"
)

// Command is one coordinator-to-worker message.  Commands carry identifiers
// and values only, never device handles.  The worker consumes them strictly
// in arrival order; Terminate is terminal.
type Command struct {
	Kind CommandKind `json:"kind"`

	// Position is the move_stage target by axis name
	Position map[string]float64 `json:"position,omitempty"`
	Wait     bool               `json:"wait,omitempty"`

	// ID names one acquisition across its frame and stop events
	ID string `json:"id,omitempty"`

	// Frames is the acquire frame count
	Frames int `json:"frames,omitempty"`

	// Setting and Value carry update_setting payloads
	Setting string          `json:"setting,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`

	// Feature is the load_feature name
	Feature string `json:"feature,omitempty"`
}

// Event names understood by the coordinator.  Unknown names are ignorable
// by contract, never fatal.
const (
	EventFrame        = "frame"
	EventStop         = "stop"
	EventWaveform     = "waveform"
	EventExposureTime = "exposure_time"
	EventUpdateStage  = "update_stage"
	EventAutofocus    = "autofocus"
)

// Event is one worker-to-coordinator notification
type Event struct {
	Name string `json:"name"`

	// ID is the acquisition the event belongs to, when it belongs to one
	ID string `json:"id,omitempty"`

	// Slot is the frame event's buffer slot index
	Slot int `json:"slot,omitempty"`

	// Channel and Milliseconds carry exposure_time corrections
	Channel      int     `json:"channel,omitempty"`
	Milliseconds float64 `json:"ms,omitempty"`

	// Position carries update_stage payloads by axis name
	Position map[string]float64 `json:"position,omitempty"`

	// Error is set on an abnormal stop
	Error string `json:"error,omitempty"`

	// Payload carries structured data for waveform and autofocus events
	Payload json.RawMessage `json:"payload,omitempty"`
}
