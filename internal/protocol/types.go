package protocol

import "time"

// Version is the only protocol version overseer speaks.
const Version = 1

// Message types written by workers on stdout.
const (
	TypeMessage = "message"
	TypeLog     = "log"
	// TypeText is never written by workers. Lenient decoding uses it for
	// stdout lines that are not protocol messages.
	TypeText = "text"
)

// Request is the envelope written to a worker's stdin as a single JSON line.
type Request struct {
	Protocol     int            `json:"protocol"`
	SubmissionID string         `json:"submission_id"`
	Worker       string         `json:"worker"`
	Config       map[string]any `json:"config"`
	Input        any            `json:"input,omitempty"`
	SpawnedAt    time.Time      `json:"spawned_at"`
}

// Message is one line of worker stdout.
type Message struct {
	Type  string `json:"type"` // message | log
	Data  any    `json:"data,omitempty"`
	Level string `json:"level,omitempty"` // log only: debug | info | warn | error
	Text  string `json:"text,omitempty"`
}

// Payload returns what a supervisor delivers for m: Data for protocol
// messages, Text for everything else.
func (m *Message) Payload() any {
	if m.Type == TypeMessage {
		return m.Data
	}
	return m.Text
}
