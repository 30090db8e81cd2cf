package backend

import (
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"

	"github.com/amora/chat-core/internal/message"
)

func TestRejectionMapsConstraintViolations(t *testing.T) {
	fk := &pq.Error{
		Code:       "23503",
		Constraint: "messages_conversation_id_fkey",
		Message:    "insert or update on table \"messages\" violates foreign key constraint",
	}
	err := rejection(fmt.Errorf("insert: %w", fk))
	if !message.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	var verr *message.ValidationError
	errors.As(err, &verr)
	if verr.Field != "messages_conversation_id_fkey" {
		t.Errorf("Field = %q", verr.Field)
	}

	check := &pq.Error{Code: "23514", Column: "message_type", Message: "check violation"}
	if err := rejection(check); !message.IsValidation(err) {
		t.Errorf("check violation = %v, want validation error", err)
	}
}

func TestRejectionLeavesOtherErrors(t *testing.T) {
	if err := rejection(&pq.Error{Code: "08006", Message: "connection failure"}); err != nil {
		t.Errorf("connection failure mapped to %v", err)
	}
	if err := rejection(errors.New("timeout")); err != nil {
		t.Errorf("plain error mapped to %v", err)
	}
}
