// Package util provides utility functions for the CoachPipe application.
package util

import "github.com/google/uuid"

// GenerateParticipantID generates a unique participant ID with "p_" prefix.
func GenerateParticipantID() string {
	return "p_" + uuid.NewString()
}

// GenerateMessageID generates a unique dialog message ID with "m_" prefix.
func GenerateMessageID() string {
	return "m_" + uuid.NewString()
}

// GenerateRuleID generates a unique rule ID with "r_" prefix.
func GenerateRuleID() string {
	return "r_" + uuid.NewString()
}
