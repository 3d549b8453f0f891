package model

import "time"

type RunStatus string

const (
	RunStatusCreated  RunStatus = "created"
	RunStatusRunning  RunStatus = "running"
	RunStatusFailed   RunStatus = "failed"
	RunStatusComplete RunStatus = "completed"
)

// RunRecord is one journaled bulk-operation run.
type RunRecord struct {
	RunID     string    `json:"run_id"`
	Op        string    `json:"op"`
	RootRef   string    `json:"root_ref"`
	Status    RunStatus `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ErrorText string    `json:"error_text,omitempty"`
}

// ProgressEvent is one counter update pushed to listeners. Value carries the
// counter's running total. Payload is empty except for the document snapshot
// event and the error event, which carry a JSON snapshot and a message.
type ProgressEvent struct {
	RunID   string `json:"run_id"`
	Name    string `json:"name"`
	Value   int64  `json:"value"`
	Payload string `json:"payload,omitempty"`
}
