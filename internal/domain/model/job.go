// Package model defines the core data types and structures used throughout the renderd job system.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobStatus represents the current status of a render job.
type JobStatus string

// SourceLayout identifies how a job's working directory inputs were produced.
// It is decided once at creation time and stored on the job record so that a
// restart never has to re-derive it from a path string.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type SourceLayout string

const (
	// JobStatusPending indicates a job was admitted but the renderer has not started.
	JobStatusPending JobStatus = "pending"
	// JobStatusProcessing indicates the external renderer is running.
	JobStatusProcessing JobStatus = "processing"
	// JobStatusCompleted indicates the renderer exited cleanly and an output artifact was located.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the renderer failed, timed out, or never started.
	JobStatusFailed JobStatus = "failed"
	// JobStatusCancelled indicates the job was cancelled by its owner or an operator.
	JobStatusCancelled JobStatus = "cancelled"

	// LayoutUpload indicates the workdir inputs came from a fresh user upload.
	LayoutUpload SourceLayout = "upload"
	// LayoutRender indicates the inputs are the output artifact of a prior render.
	LayoutRender SourceLayout = "render"
	// LayoutMerge indicates a merge-only retry over already-rendered tracks.
	LayoutMerge SourceLayout = "merge"
)

// Valid returns true if the JobStatus is valid.
func (s JobStatus) Valid() bool {
	return s == JobStatusPending || s == JobStatusProcessing || s == JobStatusCompleted ||
		s == JobStatusFailed || s == JobStatusCancelled
}

// Terminal returns true if the status is absorbing: no transition leaves it.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Valid returns true if the SourceLayout is one of the recognized layouts.
func (l SourceLayout) Valid() bool {
	return l == LayoutUpload || l == LayoutRender || l == LayoutMerge
}

// UnmarshalText implements encoding.TextUnmarshaler for SourceLayout.
func (l *SourceLayout) UnmarshalText(text []byte) error {
	v := SourceLayout(strings.ToLower(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid SourceLayout: %q", string(text))
	}
	*l = v
	return nil
}

// Job represents one billed unit of rendering work with its full lifecycle state.
//
// Progress is meaningful only while Status is processing, and is monotonic
// non-decreasing for the lifetime of the processing phase. ResultPath is set
// if and only if Status is completed.
type Job struct {
	ID            string          `json:"id"                       db:"id"`
	OwnerID       string          `json:"owner_id"                 db:"owner_id"`
	Status        JobStatus       `json:"status"                   db:"status"`
	Progress      int             `json:"progress"                 db:"progress"`
	Step          string          `json:"step"                     db:"step"`
	Cost          int             `json:"cost"                     db:"cost"`
	SourceLayout  SourceLayout    `json:"source_layout"            db:"source_layout"`
	Spec          json.RawMessage `json:"spec"                     db:"spec"`
	WorkDir       string          `json:"work_dir"                 db:"work_dir"`
	ResultPath    *string         `json:"result_path,omitempty"    db:"result_path"`
	ThumbnailPath *string         `json:"thumbnail_path,omitempty" db:"thumbnail_path"`
	LastError     *string         `json:"last_error,omitempty"     db:"last_error"`
	StartedAt     *time.Time      `json:"started_at,omitempty"     db:"started_at"`
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty"    db:"resolved_at"`
	CreatedAt     time.Time       `json:"created_at"               db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"               db:"updated_at"`
}

// JobLogLine is one line of the append-only per-job log stream.
type JobLogLine struct {
	JobID     string    `json:"job_id"     db:"job_id"`
	Seq       int64     `json:"seq"        db:"seq"`
	Line      string    `json:"line"       db:"line"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// CreateJobRequest represents a request to persist a newly admitted job.
// ID is assigned by the caller so the admission debit can reference the job
// before the row exists; when empty the repository generates one.
type CreateJobRequest struct {
	ID           string          `json:"id,omitempty"`
	OwnerID      string          `json:"owner_id"`
	Cost         int             `json:"cost"`
	SourceLayout SourceLayout    `json:"source_layout"`
	Spec         json.RawMessage `json:"spec"`
	WorkDir      string          `json:"work_dir"`
}

// Validate validates the CreateJobRequest fields.
func (r *CreateJobRequest) Validate() error {
	if strings.TrimSpace(r.OwnerID) == "" {
		return errors.New("owner id is required")
	}
	if r.Cost <= 0 {
		return errors.New("cost must be positive")
	}
	if !r.SourceLayout.Valid() {
		return fmt.Errorf("invalid source layout: %q", r.SourceLayout)
	}
	if len(r.Spec) == 0 {
		return errors.New("render spec is required")
	}
	if strings.TrimSpace(r.WorkDir) == "" {
		return errors.New("work dir is required")
	}
	return nil
}

// ProgressSnapshot is the hot progress state cached alongside the durable record.
// It is best-effort UX derived from renderer log lines, not an authoritative
// progress protocol.
type ProgressSnapshot struct {
	Progress  int       `json:"progress"`
	Step      string    `json:"step"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ResolveTerminalParams captures one terminal resolution attempt for a job.
// Exactly one resolution wins per job; losers observe resolved=false.
type ResolveTerminalParams struct {
	JobID         string
	Status        JobStatus
	ErrMsg        string
	ResultPath    *string
	ThumbnailPath *string
}

// Validate checks the terminal transition is well formed.
func (p *ResolveTerminalParams) Validate() error {
	if strings.TrimSpace(p.JobID) == "" {
		return errors.New("job id is required")
	}
	if !p.Status.Terminal() {
		return fmt.Errorf("status %q is not terminal", p.Status)
	}
	if p.Status == JobStatusCompleted && p.ResultPath == nil {
		return errors.New("completed resolution requires a result path")
	}
	if p.Status != JobStatusCompleted && p.ResultPath != nil {
		return errors.New("result path is only valid for completed jobs")
	}
	return nil
}

// JobStats represents counts of jobs in each state.
type JobStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}
