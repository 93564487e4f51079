// Package queue dispatches sync jobs to workers.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/voyagen/channelvault/internal/models"
)

// Message is the work item for one job attempt.
type Message struct {
	JobID   uuid.UUID      `json:"job_id"`
	Type    models.JobType `json:"type"`
	Options Options        `json:"options"`
	// Attempt is the number of attempts the job had used when this message was sent.
	Attempt int `json:"attempt,omitempty"`
}

// Options carries the job parameters captured when the job was created.
type Options struct {
	SourceID          int64 `json:"source_id"`
	AllowAutoDeletion bool  `json:"allow_auto_deletion"`
}

// Publisher sends messages to workers.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Handler processes one message. A returned error is logged; job state is the
// handler's responsibility.
type Handler func(ctx context.Context, msg Message) error

// ErrMalformed wraps messages that cannot be decoded.
var ErrMalformed = errors.New("malformed queue message")

// Encode marshals msg.
func Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("queue marshal: %w", err)
	}
	return data, nil
}

// Decode unmarshals and validates a message.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg.JobID == uuid.Nil {
		return Message{}, fmt.Errorf("%w: missing job_id", ErrMalformed)
	}
	return msg, nil
}
