package shortlink

import (
	"errors"
	"testing"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

func TestEncode(t *testing.T) {
	// 1+2+3+4 = 10, checksum digit 0.
	if got := Encode(1234); got != "01234" {
		t.Errorf("Encode(1234) = %q, want %q", got, "01234")
	}
	if got := Encode(7); got != "77" {
		t.Errorf("Encode(7) = %q, want %q", got, "77")
	}
}

func TestRoundTrip(t *testing.T) {
	for _, id := range []uint64{0, 1, 10, 999, 1234, 18446744073709551615} {
		token := Encode(id)
		got, err := Decode(token)
		if err != nil {
			t.Fatalf("Decode(%q) unexpected error: %v", token, err)
		}
		if got != id {
			t.Errorf("Decode(Encode(%d)) = %d", id, got)
		}
	}
}

func TestDecodeRejectsTamperedToken(t *testing.T) {
	cases := []string{
		"11234", // checksum for 1234 is 0, not 1
		"",
		"5",       // too short to carry checksum and id
		"0x123",   // non-digit
		"0123a",   // non-digit
		" 01234 ", // whitespace is not tolerated
	}
	for _, token := range cases {
		if _, err := Decode(token); !errors.Is(err, models.ErrInvalidToken) {
			t.Errorf("Decode(%q) error = %v, want ErrInvalidToken", token, err)
		}
	}
}

func TestDecodeIncrementedIDFails(t *testing.T) {
	token := Encode(1000)
	// Guessing the next id by incrementing the digits breaks the checksum.
	tampered := token[:len(token)-1] + "1"
	if _, err := Decode(tampered); !errors.Is(err, models.ErrInvalidToken) {
		t.Errorf("Decode(%q) error = %v, want ErrInvalidToken", tampered, err)
	}
}
