// Package shortlink implements the checksum codec for compact
// participant-scoped URLs referenced by outgoing messages.
//
// The checksum is tamper evidence only, not cryptography: it keeps short
// media links from being trivially incrementable.
package shortlink

import (
	"fmt"
	"strconv"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// Encode mints a token for the given id: the digit sum of the decimal id
// modulo 10, followed by the decimal digits themselves.
func Encode(id uint64) string {
	digits := strconv.FormatUint(id, 10)
	return strconv.Itoa(digitSum(digits)%10) + digits
}

// Decode validates a token and returns the embedded id. Malformed tokens
// and checksum mismatches fail with models.ErrInvalidToken.
func Decode(token string) (uint64, error) {
	if len(token) < 2 {
		return 0, fmt.Errorf("%w: token too short", models.ErrInvalidToken)
	}
	for i := 0; i < len(token); i++ {
		if token[i] < '0' || token[i] > '9' {
			return 0, fmt.Errorf("%w: non-digit character", models.ErrInvalidToken)
		}
	}
	digits := token[1:]
	if strconv.Itoa(digitSum(digits)%10) != token[:1] {
		return 0, fmt.Errorf("%w: checksum mismatch", models.ErrInvalidToken)
	}
	id, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", models.ErrInvalidToken, err)
	}
	return id, nil
}

func digitSum(digits string) int {
	sum := 0
	for i := 0; i < len(digits); i++ {
		sum += int(digits[i] - '0')
	}
	return sum
}
