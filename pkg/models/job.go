// Package models defines the persisted job, checkpoint, and manuscript rows
// shared by the stores, the queue, and the API layer.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a generation job.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is a final state.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// JobMode selects the generation pipeline variant.
type JobMode string

const (
	// ModePolished runs the full write-edit-validate loop.
	ModePolished JobMode = "polished"
	// ModeDraft skips editor evaluation for speed.
	ModeDraft JobMode = "draft"
)

// Job is a persisted generation request plus its execution bookkeeping.
type Job struct {
	ID                uuid.UUID `json:"id"`
	Prompt            string    `json:"prompt"`
	Genre             string    `json:"genre,omitempty"`
	TargetLengthWords int       `json:"target_length_words"`
	Mode              JobMode   `json:"mode"`

	Status       JobStatus `json:"status"`
	Phase        string    `json:"phase,omitempty"`
	Progress     int       `json:"progress"`
	ErrorMessage string    `json:"error_message,omitempty"`
	RequeueCount int       `json:"requeue_count"`
	ClaimedBy    string    `json:"claimed_by,omitempty"`

	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	LastInteractionAt *time.Time `json:"last_interaction_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// CreateJobRequest contains the fields for submitting a new generation job.
type CreateJobRequest struct {
	Prompt            string  `json:"prompt" binding:"required"`
	Genre             string  `json:"genre"`
	TargetLengthWords int     `json:"target_length_words" binding:"required,min=1000"`
	Mode              JobMode `json:"mode"`
}

// Checkpoint is one durable resume point: the full narrative state plus the
// manuscript accumulated so far, both serialized.
type Checkpoint struct {
	ID         int64           `json:"id"`
	JobID      uuid.UUID       `json:"job_id"`
	PhaseTag   string          `json:"phase_tag"`
	State      json.RawMessage `json:"state"`
	Manuscript json.RawMessage `json:"manuscript"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ManuscriptRecord is the persisted final output of a completed job.
type ManuscriptRecord struct {
	JobID     uuid.UUID       `json:"job_id"`
	Title     string          `json:"title"`
	Blurb     string          `json:"blurb"`
	Content   json.RawMessage `json:"content"`
	WordCount int             `json:"word_count"`
	Warnings  []string        `json:"warnings,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
