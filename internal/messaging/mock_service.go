package messaging

import (
	"context"
	"fmt"
	"sync"
)

// SentMessage is one message recorded by the MockService.
type SentMessage struct {
	To   string
	Body string
}

// MockService implements Service in memory for tests and demo runs.
type MockService struct {
	mu      sync.Mutex
	sent    []SentMessage
	stopped bool

	// SendErr, when set, is returned by SendMessage to exercise failure paths.
	SendErr error
}

// NewMockService creates an empty MockService.
func NewMockService() *MockService {
	return &MockService{}
}

// ValidateAndCanonicalizeRecipient applies the shared phone canonicalization.
func (s *MockService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if len(canonical) < MinPhoneNumberDigits {
		return "", fmt.Errorf("invalid phone number %q", recipient)
	}
	return canonical, nil
}

// SendMessage records the message.
func (s *MockService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrServiceStopped
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	s.sent = append(s.sent, SentMessage{To: to, Body: body})
	return nil
}

// Sent returns a copy of the recorded messages.
func (s *MockService) Sent() []SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SentMessage, len(s.sent))
	copy(out, s.sent)
	return out
}

// Stop marks the service stopped.
func (s *MockService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}
