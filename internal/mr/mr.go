package mr

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Role identifies who produced a transcript turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Turn is a single conversational turn. Turns are immutable once appended;
// the ordered sequence of turns is the transcript replayed into every
// extraction call.
type Turn struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// NewTurn stamps a turn with an id and creation time.
func NewTurn(role Role, content string) Turn {
	return Turn{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// Status is the triage state of a relation. The wire values match the
// export/import file format, including the space in "Decide Later".
type Status string

const (
	StatusValid       Status = "Valid"
	StatusInvalid     Status = "Invalid"
	StatusDecideLater Status = "Decide Later"
)

var ErrInvalidStatus = errors.New("invalid relation status")

// ParseStatus validates a status value coming from the API or an import file.
func ParseStatus(s string) (Status, error) {
	switch Status(strings.TrimSpace(s)) {
	case StatusValid:
		return StatusValid, nil
	case StatusInvalid:
		return StatusInvalid, nil
	case StatusDecideLater:
		return StatusDecideLater, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
}

// Relation is one metamorphic relation with its generated test driver.
// Created only by the pipeline; mutated only via status updates.
type Relation struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Driver      string    `json:"driver"`
	Status      Status    `json:"status"`
	Language    string    `json:"language"`
	CreatedAt   time.Time `json:"created_at,omitzero"`
}

// NewRelationID returns an id unique within and across processes:
// a millisecond timestamp plus a random uuid fragment. Collisions are a
// correctness bug, so nothing downstream defends against them.
func NewRelationID() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("mr_%d_%s", time.Now().UnixMilli(), suffix)
}

// ContextFile is an uploaded specification or demo file whose content
// augments the system prompt for subsequent extraction calls.
type ContextFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

var ErrNotText = errors.New("file content is not valid text")

// ValidateContextFile rejects attachments that cannot be treated as text.
func ValidateContextFile(f ContextFile) error {
	if !utf8.ValidString(f.Content) {
		return fmt.Errorf("%w: %s", ErrNotText, f.Name)
	}
	return nil
}
