package events

import "codeloom/internal/llm"

type Kind string

const (
	KindFilesIncluded   Kind = "files"
	KindChunk           Kind = "chunk"
	KindUsage           Kind = "usage"
	KindSnapshotCreated Kind = "snapshot"
	KindError           Kind = "error"
	KindDone            Kind = "done"
)

// Event is one entry of a turn's progress stream. Within a turn the sink
// delivers: one files event, zero or more chunks in model order, at most one
// usage, then done (or error). Snapshot events are emitted by apply paths.
type Event struct {
	Kind Kind `json:"kind"`

	Files  []string `json:"files,omitempty"`
	Prompt string   `json:"prompt,omitempty"`

	Chunk string `json:"chunk,omitempty"`

	Usage        *llm.TokenUsage `json:"usage,omitempty"`
	Counts       map[string]int  `json:"counts,omitempty"`
	DisplayTypes []string        `json:"displayTypes,omitempty"`

	SnapshotLabel string `json:"snapshotLabel,omitempty"`
	MessageID     string `json:"messageID,omitempty"`

	Err string `json:"error,omitempty"`
}

// Sink receives events in emission order.
type Sink interface {
	Emit(Event)
}

// Collector records events for inspection; used in tests.
type Collector struct {
	Events []Event
}

func (c *Collector) Emit(e Event) { c.Events = append(c.Events, e) }
