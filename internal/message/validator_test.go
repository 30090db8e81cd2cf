package message

import (
	"strings"
	"testing"
)

func TestValidateAcceptsText(t *testing.T) {
	if err := Validate("hello", TypeText); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRejectsEmpty(t *testing.T) {
	for _, content := range []string{"", "   ", "\n\t"} {
		err := Validate(content, TypeText)
		if !IsValidation(err) {
			t.Errorf("Validate(%q) = %v, want validation error", content, err)
		}
	}
}

func TestValidateRejectsUnknownType(t *testing.T) {
	err := Validate("hello", Type("video"))
	if !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if !strings.Contains(err.Error(), "video") {
		t.Errorf("error should name the type: %v", err)
	}
}

func TestValidateLimits(t *testing.T) {
	if err := Validate(strings.Repeat("a", MaxTextChars), TypeText); err != nil {
		t.Fatalf("message at the character limit rejected: %v", err)
	}
	if err := Validate(strings.Repeat("a", MaxTextChars+1), TypeText); !IsValidation(err) {
		t.Errorf("expected character limit error, got %v", err)
	}
	// Media references are bounded by bytes only.
	if err := Validate(strings.Repeat("a", MaxTextChars+1), TypePhoto); err != nil {
		t.Errorf("photo reference rejected: %v", err)
	}
	if err := Validate(strings.Repeat("a", MaxContentBytes+1), TypePhoto); !IsValidation(err) {
		t.Errorf("expected byte limit error, got %v", err)
	}
}

func TestValidateRejectsInvalidUTF8(t *testing.T) {
	if err := Validate("ok\xff", TypeText); !IsValidation(err) {
		t.Errorf("expected invalid UTF-8 error, got %v", err)
	}
}

func TestTransientIsNotValidation(t *testing.T) {
	err := &TransientNetworkError{Op: "create", Err: ErrTest}
	if IsValidation(err) {
		t.Error("transient error reported as validation")
	}
	if !IsTransient(err) {
		t.Error("IsTransient = false")
	}
}
