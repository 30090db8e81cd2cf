package notify

import (
	"errors"
	"fmt"
)

// NotificationDeliveryError describes a failed local alert or push request.
// It is logged at the source and never returned to message senders.
type NotificationDeliveryError struct {
	RecipientID string
	MessageID   string
	Channel     Channel
	Err         error
}

func (e *NotificationDeliveryError) Error() string {
	return fmt.Sprintf("notify: %s delivery to %s for message %s: %v", e.Channel, e.RecipientID, e.MessageID, e.Err)
}

func (e *NotificationDeliveryError) Unwrap() error {
	return e.Err
}

var (
	errNoAlerter = errors.New("no local alerter configured")
	errNoPusher  = errors.New("no push sender configured")
)
