package validation

import (
	"testing"

	"github.com/craftvine/engine/internal/money"
)

func TestIsValidID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"wal_a1b2c3d4e5f6a1b2c3d4e5f6", true},
		{"bk_0123456789abcdef01234567", true},
		{"txn_deadbeefdeadbeefdeadbeef", true},
		{"1f2e3d4c-5b6a-7980-abcd-ef0123456789", true},

		// Invalid cases
		{"wal-a1b2c3d4", false},           // Wrong separator
		{"wal_XYZ123", false},             // Non-hex suffix
		{"a1b2c3d4e5f6", false},           // No prefix
		{"toolongprefix_a1b2c3d4", false}, // Prefix over 8 chars
		{"", false},
		{"wal_", false},
	}

	for _, tc := range tests {
		result := IsValidID(tc.id)
		if result != tc.valid {
			t.Errorf("IsValidID(%q) = %v, want %v", tc.id, result, tc.valid)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hello\x00world", 20, "helloworld"},
	}

	for _, tc := range tests {
		result := SanitizeString(tc.input, tc.maxLen)
		if result != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, result, tc.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	// Test valid input
	errors := Validate(
		Required("name", "John"),
		ValidCurrency("currency", "USDC"),
	)
	if len(errors) != 0 {
		t.Errorf("Expected no errors, got %v", errors)
	}

	// Test invalid input
	errors = Validate(
		Required("name", ""),
		ValidCurrency("currency", "DOGE"),
	)
	if len(errors) != 2 {
		t.Errorf("Expected 2 errors, got %d", len(errors))
	}
}

func TestValidCurrency(t *testing.T) {
	for _, code := range []string{"NGN", "USDC", "USDT"} {
		if err := ValidCurrency("currency", code)(); err != nil {
			t.Errorf("ValidCurrency(%q) unexpected error: %v", code, err)
		}
	}
	for _, code := range []string{"usdc", "EUR", "BTC"} {
		if err := ValidCurrency("currency", code)(); err == nil {
			t.Errorf("ValidCurrency(%q) expected error, got nil", code)
		}
	}
}

func TestValidAmount(t *testing.T) {
	tests := []struct {
		value string
		valid bool
	}{
		{"1.00", true},
		{"0.50", true},
		{"100", true},
		{"40.5", true},

		// Invalid
		{"0.001", false}, // Sub-unit precision
		{"abc", false},
		{"-1.00", false}, // Negative
		{"0.00", false},  // Zero
		{"1.2.3", false},
	}

	for _, tc := range tests {
		err := ValidAmount("amount", tc.value, money.USDC)()
		valid := err == nil
		if valid != tc.valid {
			t.Errorf("ValidAmount(%q) valid=%v, want %v", tc.value, valid, tc.valid)
		}
	}
}

func TestMaxLength(t *testing.T) {
	// Under limit
	err := MaxLength("field", "hello", 10)()
	if err != nil {
		t.Error("Expected no error for string under limit")
	}

	// At limit
	err = MaxLength("field", "hello", 5)()
	if err != nil {
		t.Error("Expected no error for string at limit")
	}

	// Over limit
	err = MaxLength("field", "hello world", 5)()
	if err == nil {
		t.Error("Expected error for string over limit")
	}
}
