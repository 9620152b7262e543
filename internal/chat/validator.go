package chat

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 16384
	MaxTextChars    = 5000
)

var (
	ErrEmptyMessage   = errors.New("message text is empty")
	ErrInvalidText    = errors.New("message contains invalid UTF-8")
	ErrMessageTooLong = errors.New("message is too long")
)

// ValidateMessage checks that an outgoing message meets content requirements.
func ValidateMessage(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	if !utf8.ValidString(text) {
		return ErrInvalidText
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("%w: exceeds %d bytes", ErrMessageTooLong, MaxMessageBytes)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("%w: exceeds %d characters", ErrMessageTooLong, MaxTextChars)
	}
	return nil
}
