package middleware

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/yuki402/agent/internal/model"
)

const (
	maxMessages       = 200
	maxContentLength  = 100000 // ~100KB per message
	maxTranscriptSize = 1 << 20
)

// ValidateMessages validates the message list of a chat request.
func ValidateMessages(msgs []model.RawMessage) error {
	if len(msgs) == 0 {
		return errors.New("messages cannot be empty")
	}
	if len(msgs) > maxMessages {
		return errors.New("too many messages")
	}

	total := 0
	for i, m := range msgs {
		if _, err := model.ParseRole(string(m.Role)); err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
		n, err := validateText(m.Content)
		if err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
		total += n
		for _, p := range m.Parts {
			n, err := validateText(p.Text)
			if err != nil {
				return fmt.Errorf("message %d: %w", i, err)
			}
			total += n
		}
	}
	if total > maxTranscriptSize {
		return errors.New("messages exceed maximum size")
	}
	return nil
}

func validateText(s string) (int, error) {
	if len(s) > maxContentLength {
		return 0, errors.New("content exceeds maximum length")
	}
	if !utf8.ValidString(s) {
		return 0, errors.New("content must be valid UTF-8")
	}
	return len(s), nil
}

// ValidateRequestID validates a payment request or thread ID.
func ValidateRequestID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid ID format")
	}
	return nil
}
