package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
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

func TestAccountID(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantMsg string
	}{
		{"valid", "0x" + strings.Repeat("ab", 20), ""},
		{"empty", "", "must be at least 42 characters"},
		{"short", "0x1234", "must be at least 42 characters"},
		{"long enough but not hex", "0x" + strings.Repeat("zz", 20), "must be a valid Ethereum address (0x...)"},
		{"too long", "0x" + strings.Repeat("ab", 21), "must be a valid Ethereum address (0x...)"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := AccountID("arbiter", tc.value)()
			if tc.wantMsg == "" {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error %q", tc.wantMsg)
			}
			if err.Field != "arbiter" || err.Message != tc.wantMsg {
				t.Errorf("got %+v", err)
			}
		})
	}
}

func TestPositiveAmount(t *testing.T) {
	valid := []string{"1", "1.5", "0.001", ".5"}
	for _, v := range valid {
		if err := PositiveAmount("value", v)(); err != nil {
			t.Errorf("PositiveAmount(%q) unexpected error: %v", v, err)
		}
	}

	invalid := []string{"", "0", "0.0", "-1", "abc", "1.2.3"}
	for _, v := range invalid {
		if err := PositiveAmount("value", v)(); err == nil {
			t.Errorf("PositiveAmount(%q) expected error", v)
		}
	}
}

func TestValidate_OrderAndFirst(t *testing.T) {
	errs := Validate(
		AccountID("beneficiary", "0x12"),
		AccountID("arbiter", "bad"),
		PositiveAmount("value", "1"),
	)
	if len(errs) != 2 {
		t.Fatalf("expected 2 errors, got %d", len(errs))
	}
	if first := errs.First(); first == nil || first.Field != "beneficiary" {
		t.Errorf("expected beneficiary first, got %+v", first)
	}
	if errs.Error() != "beneficiary: must be at least 42 characters" {
		t.Errorf("unexpected error text %q", errs.Error())
	}

	if Validate(Required("x", "y")).First() != nil {
		t.Error("expected no errors")
	}
}

func TestAddressParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/e/:address", AddressParamMiddleware(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/e/nothex", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/e/0x1234567890123456789012345678901234567890", nil))
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}
