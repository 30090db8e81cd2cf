package message

import (
	"strings"
	"unicode/utf8"
)

const (
	MaxContentBytes = 4096 // 4KB max payload
	MaxTextChars    = 2000 // max character count for text messages
)

// Validate checks content and type before anything touches the network or
// the message store. It returns a *ValidationError on rejection.
func Validate(content string, typ Type) error {
	if !typ.Valid() {
		return &ValidationError{Field: "type", Reason: "unsupported message type " + quote(string(typ))}
	}
	if strings.TrimSpace(content) == "" {
		return &ValidationError{Field: "content", Reason: "message content is empty"}
	}
	if len(content) > MaxContentBytes {
		return &ValidationError{Field: "content", Reason: "message exceeds 4096 byte limit"}
	}
	if !utf8.ValidString(content) {
		return &ValidationError{Field: "content", Reason: "message contains invalid UTF-8"}
	}
	if typ == TypeText && utf8.RuneCountInString(content) > MaxTextChars {
		return &ValidationError{Field: "content", Reason: "message exceeds 2000 character limit"}
	}
	return nil
}

func quote(s string) string {
	return `"` + s + `"`
}
