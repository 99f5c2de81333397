// Package chunks provides persistent storage for captured chunks —
// the durable artifacts produced when tool output is captured into
// Kioku's memory.
package chunks

import (
	"time"

	"github.com/google/uuid"
)

// Status describes where a chunk sits in the processing pipeline.
type Status string

const (
	// StatusInbox marks a raw, unprocessed capture.
	StatusInbox Status = "inbox"
	// StatusProcessed marks a chunk that has been analyzed and enriched.
	StatusProcessed Status = "processed"
	// StatusCompacted marks a chunk summarized into higher-level context.
	StatusCompacted Status = "compacted"
	// StatusArchived marks a chunk that is no longer active but preserved.
	StatusArchived Status = "archived"
)

// Chunk is the fundamental unit of captured information.
type Chunk struct {
	ID         uuid.UUID  `json:"id"`
	Content    string     `json:"content"`
	Summary    string     `json:"summary,omitempty"`
	ProjectID  *uuid.UUID `json:"project_id,omitempty"`
	Tags       []string   `json:"tags,omitempty"`
	Status     Status     `json:"status"`
	Source     string     `json:"source,omitempty"`
	TokenCount int        `json:"token_count,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// CreateRequest holds the fields for a fast capture. New chunks always
// start in the inbox.
type CreateRequest struct {
	Content   string
	ProjectID *uuid.UUID
	Tags      []string
	Source    string
}

// estimateTokens is a rough token-count heuristic (≈4 chars per token)
// used for dashboard accounting; exact counts are not required.
func estimateTokens(content string) int {
	return len(content) / 4
}
