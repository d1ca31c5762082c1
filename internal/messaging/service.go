// Package messaging provides the transport collaborator for CoachPipe.
//
// The engine only decides what to send and when; a Service performs the
// actual delivery. Inbound replies enter through the HTTP boundary and the
// dialog state machine, not through this package.
package messaging

import (
	"context"
	"errors"
	"regexp"
)

// ErrServiceStopped indicates a send was attempted after Stop.
var ErrServiceStopped = errors.New("messaging service is stopped")

// phoneNumberRegex strips everything that is not a digit during recipient
// canonicalization.
var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// MinPhoneNumberDigits is the minimum accepted canonical phone length.
const MinPhoneNumberDigits = 6

// Service defines a pluggable message delivery abstraction.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a
	// recipient identifier. Each service may apply its own rules.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Stop stops the service and releases resources.
	Stop() error
}
