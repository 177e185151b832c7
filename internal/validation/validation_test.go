package validation

import (
	"strings"
	"testing"
)

func TestIsValidEthAddress(t *testing.T) {
	tests := []struct {
		addr  string
		valid bool
	}{
		{"0x1234567890123456789012345678901234567890", true},
		{"0xabcdefABCDEF1234567890123456789012345678", true},
		{"0x0000000000000000000000000000000000000000", true},

		// Invalid cases
		{"1234567890123456789012345678901234567890", false},     // No 0x
		{"0x12345678901234567890123456789012345678", false},     // Too short
		{"0x123456789012345678901234567890123456789012", false}, // Too long
		{"0xGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGG", false},   // Invalid chars
		{"", false},
		{"0x", false},
	}

	for _, tc := range tests {
		result := IsValidEthAddress(tc.addr)
		if result != tc.valid {
			t.Errorf("IsValidEthAddress(%q) = %v, want %v", tc.addr, result, tc.valid)
		}
	}
}

func TestIsValidTxHashAndEscrowID(t *testing.T) {
	hash := "0x" + strings.Repeat("ab", 32)
	tests := []struct {
		input string
		valid bool
	}{
		{hash, true},
		{"0x" + strings.Repeat("0", 64), true},
		{strings.Repeat("ab", 32), false},       // No 0x
		{"0x" + strings.Repeat("a", 63), false}, // Too short
		{"0x" + strings.Repeat("a", 65), false}, // Too long
		{"0x" + strings.Repeat("g", 64), false}, // Invalid chars
		{"", false},
	}

	for _, tc := range tests {
		if got := IsValidTxHash(tc.input); got != tc.valid {
			t.Errorf("IsValidTxHash(%q) = %v, want %v", tc.input, got, tc.valid)
		}
		if got := IsValidEscrowID(tc.input); got != tc.valid {
			t.Errorf("IsValidEscrowID(%q) = %v, want %v", tc.input, got, tc.valid)
		}
	}
}

func TestSanitizeAddress(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"0x1234567890123456789012345678901234567890", "0x1234567890123456789012345678901234567890"},
		{"0xABCDEF1234567890123456789012345678901234", "0xabcdef1234567890123456789012345678901234"},
		{"  0x1234567890123456789012345678901234567890  ", "0x1234567890123456789012345678901234567890"},
		{"1234567890123456789012345678901234567890", "0x1234567890123456789012345678901234567890"},
	}

	for _, tc := range tests {
		result := SanitizeAddress(tc.input)
		if result != tc.expected {
			t.Errorf("SanitizeAddress(%q) = %q, want %q", tc.input, result, tc.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("userAddress", ""),
		ValidAddress("userAddress", "not-an-address"),
		ValidTxHash("escrowTxHash", "0x1234"),
	)
	if len(errs) != 3 {
		t.Fatalf("expected 3 validation errors, got %d: %v", len(errs), errs)
	}
	if errs[0].Field != "userAddress" {
		t.Errorf("expected first error on userAddress, got %s", errs[0].Field)
	}

	errs = Validate(
		Required("userAddress", "0x1234567890123456789012345678901234567890"),
		ValidAddress("userAddress", "0x1234567890123456789012345678901234567890"),
		ValidEscrowID("escrowId", "0x"+strings.Repeat("1", 64)),
	)
	if len(errs) != 0 {
		t.Errorf("expected no errors, got %v", errs)
	}
}

func TestValidate_EmptyOptionalFieldsPass(t *testing.T) {
	errs := Validate(
		ValidAddress("userAddress", ""),
		ValidTxHash("escrowTxHash", ""),
		ValidEscrowID("escrowId", ""),
	)
	if len(errs) != 0 {
		t.Errorf("empty optional fields should pass, got %v", errs)
	}
}

func TestMaxLength(t *testing.T) {
	if err := MaxLength("text", strings.Repeat("a", 10), 10)(); err != nil {
		t.Errorf("expected nil at exact max length, got %v", err)
	}
	if err := MaxLength("text", strings.Repeat("a", 11), 10)(); err == nil {
		t.Error("expected error above max length")
	}
}

func TestValidationErrors_Error(t *testing.T) {
	var empty ValidationErrors
	if empty.Error() != "validation failed" {
		t.Errorf("unexpected empty error string: %q", empty.Error())
	}

	errs := ValidationErrors{{Field: "quoteId", Message: "is required"}}
	if errs.Error() != "quoteId: is required" {
		t.Errorf("unexpected error string: %q", errs.Error())
	}
}
