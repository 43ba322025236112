package middleware

import (
	"errors"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ValidateMessageContent validates message content.
func ValidateMessageContent(content string) error {
	if len(content) == 0 {
		return errors.New("content cannot be empty")
	}
	if len(content) > 100000 { // ~100KB limit
		return errors.New("content exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("content must be valid UTF-8")
	}
	return nil
}

// ValidateSessionID validates a client-supplied session ID. Session IDs
// are free-form (the CLI uses timestamped ones like "cli-1700000000"),
// so only length and charset are constrained.
func ValidateSessionID(id string) error {
	if len(id) == 0 {
		return errors.New("session ID cannot be empty")
	}
	if len(id) > 128 {
		return errors.New("session ID exceeds maximum length")
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return errors.New("session ID contains invalid characters")
		}
	}
	return nil
}

// ValidateSubtaskID validates a subtask ID. Subtask IDs are always
// server-generated UUIDs.
func ValidateSubtaskID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid subtask ID format")
	}
	return nil
}

// ValidateRole validates a chat message role.
func ValidateRole(role string) error {
	switch role {
	case "user", "assistant", "system":
		return nil
	default:
		return errors.New("role must be user, assistant, or system")
	}
}
