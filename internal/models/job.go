package models

import (
	"time"

	"github.com/google/uuid"
)

// Job is a unit of asynchronous work acting on a Source.
type Job struct {
	ID                   int64      `json:"id,omitempty"`
	JobID                uuid.UUID  `json:"job_id"`
	Type                 JobType    `json:"type"`
	State                JobState   `json:"state"`
	StatusDescription    string     `json:"status_description"`
	AttemptCount         int        `json:"attempt_count"`
	MaxAttempts          *int       `json:"max_attempts,omitempty"`
	LastAttemptStartedAt *time.Time `json:"last_attempt_started_at,omitempty"`
	SourceID             int64      `json:"source_id"`
	AllowAutoDeletion    bool       `json:"allow_auto_deletion"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// ActiveJob is a non-terminal job together with the id of the entity it acts on.
type ActiveJob struct {
	Job     Job   `json:"job"`
	OwnerID int64 `json:"owner_id"`
}
