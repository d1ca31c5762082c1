package rules

import (
	"errors"
	"testing"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

func TestCalculateArithmetic(t *testing.T) {
	cases := []struct {
		expr string
		want float64
	}{
		{"1+2", 3},
		{"2*3+4", 10},
		{"2+3*4", 14},
		{"(2+3)*4", 20},
		{"10-4-3", 3},
		{"12/4/3", 1},
		{"-5+3", -2},
		{"3.5*2", 7},
		{"  1 + 2 ", 3},
	}
	for _, c := range cases {
		got, err := Calculate(c.expr)
		if err != nil {
			t.Fatalf("Calculate(%q) unexpected error: %v", c.expr, err)
		}
		if got != c.want {
			t.Errorf("Calculate(%q) = %v, want %v", c.expr, got, c.want)
		}
	}
}

func TestCalculateInRange(t *testing.T) {
	got, err := Calculate("inrange(5, 1, 10)")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 1 {
		t.Errorf("inrange(5,1,10) = %v, want 1", got)
	}

	got, err = Calculate("inrange(11, 1, 10)")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 0 {
		t.Errorf("inrange(11,1,10) = %v, want 0", got)
	}

	// Bounds are inclusive.
	got, err = Calculate("inrange(10, 1, 10)")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 1 {
		t.Errorf("inrange(10,1,10) = %v, want 1", got)
	}
}

func TestCalculatePosition(t *testing.T) {
	got, err := Calculate("position(7, 3, 5, 7, 9)")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 3 {
		t.Errorf("position of 7 in (3,5,7,9) = %v, want 3", got)
	}

	got, err = Calculate("position(8, 3, 5, 7, 9)")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 0 {
		t.Errorf("position of missing value = %v, want 0", got)
	}
}

func TestCalculateNestedFunctions(t *testing.T) {
	got, err := Calculate("inrange(position(5, 1, 5), 1, 3)")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 1 {
		t.Errorf("nested function call = %v, want 1", got)
	}
}

func TestCalculateParseFailures(t *testing.T) {
	for _, expr := range []string{"", "1+", "abc", "1 2", "(1+2", "inrange(1,2)", "1/0 extra"} {
		if _, err := Calculate(expr); !errors.Is(err, models.ErrParseFailure) {
			t.Errorf("Calculate(%q) error = %v, want ErrParseFailure", expr, err)
		}
	}
}

func TestFormatNumber(t *testing.T) {
	if got := FormatNumber(3); got != "3" {
		t.Errorf("FormatNumber(3) = %q, want %q", got, "3")
	}
	if got := FormatNumber(3.5); got != "3.5" {
		t.Errorf("FormatNumber(3.5) = %q, want %q", got, "3.5")
	}
}
