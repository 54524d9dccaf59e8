package middleware

import (
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

const maxContentBytes = 100000

var modelIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:/-]{1,128}$`)

// ValidateMessageContent validates message content.
func ValidateMessageContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return errors.New("content cannot be empty")
	}
	if len(content) > maxContentBytes {
		return errors.New("content exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("content must be valid UTF-8")
	}
	return nil
}

// ValidateConversationID validates a conversation ID.
func ValidateConversationID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid conversation ID format")
	}
	return nil
}

// ValidateModelID validates an optional model identifier.
func ValidateModelID(id string) error {
	if id == "" {
		return nil
	}
	if !modelIDPattern.MatchString(id) {
		return errors.New("invalid model ID")
	}
	return nil
}
