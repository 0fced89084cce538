// Package job defines the records tracked by the processing pipeline:
// the Job (one submitted document's lifecycle) and the Document (the
// extraction result of a succeeded Job), plus the state machine that
// governs Job transitions.
package job

import (
	"time"

	"github.com/google/uuid"
)

// Format identifies a document type. The set is closed: the worker
// dispatches extraction strategies by exhaustive switch over it.
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatDocx Format = "docx"
	FormatHTML Format = "html"
)

// Source records how content entered the system.
type Source string

const (
	SourceUpload    Source = "upload"
	SourceWikipedia Source = "wikipedia"
	SourcePubMed    Source = "pubmed"
	SourceURL       Source = "url"
)

// State is a Job's position in the processing lifecycle.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
	StateDead       State = "dead" // dead-lettered, terminal
)

// Terminal reports whether a state never changes again.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateDead
}

// transitions is the allowed state DAG. Processing→Pending is the only
// regression, used when a transient failure hands the message back to
// the queue for redelivery. The Processing self-transition covers a
// redelivered lease after a worker crash: the job never reverted, and
// the new holder re-claims it.
var transitions = map[State][]State{
	StatePending:    {StateProcessing, StateDead},
	StateProcessing: {StateProcessing, StateSucceeded, StateFailed, StatePending, StateDead},
	StateFailed:     {StateDead},
}

// CanTransition reports whether from→to is an allowed state change.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Job tracks one submitted document through the pipeline. Created by
// the intake service in StatePending, mutated only by workers after
// that, immutable once terminal.
type Job struct {
	ID          string    `json:"id" bson:"_id"`
	OwnerID     string    `json:"owner_id" bson:"owner_id"`
	Format      Format    `json:"format" bson:"format"`
	Source      Source    `json:"source" bson:"source"`
	State       State     `json:"state" bson:"state"`
	Attempts    int       `json:"attempts" bson:"attempts"`
	Filename    string    `json:"filename,omitempty" bson:"filename,omitempty"`
	SourceURL   string    `json:"source_url,omitempty" bson:"source_url,omitempty"`
	FileID      string    `json:"file_id,omitempty" bson:"file_id,omitempty"`
	ByteLength  int64     `json:"byte_length" bson:"byte_length"`
	ErrorDetail string    `json:"error_detail,omitempty" bson:"error_detail,omitempty"`
	CreatedAt   time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" bson:"updated_at"`
}

// New creates a pending Job with a fresh id and timestamps.
func New(ownerID string, format Format, source Source) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Format:    format,
		Source:    source,
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Document is the persisted extraction result, keyed by the Job that
// produced it. Exactly one Document exists per succeeded Job.
type Document struct {
	JobID         string            `json:"job_id" bson:"_id"`
	OwnerID       string            `json:"owner_id" bson:"owner_id"`
	Title         string            `json:"title,omitempty" bson:"title,omitempty"`
	ExtractedText string            `json:"extracted_text" bson:"extracted_text"`
	ByteLength    int64             `json:"byte_length" bson:"byte_length"`
	Format        Format            `json:"format" bson:"format"`
	Source        Source            `json:"source" bson:"source"`
	Metadata      map[string]string `json:"metadata,omitempty" bson:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at" bson:"created_at"`
}
