package validation

import (
	"strings"
	"testing"
)

func TestValidateID(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{"simple", "moscow", false},
		{"with digits", "office42", false},
		{"with underscore", "north_east", false},
		{"with dash", "region-7", false},
		{"empty", "", true},
		{"spaces", "bad id", true},
		{"colon", "a:b", true},
		{"too long", strings.Repeat("a", 65), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateID("field", tt.value)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateID(%q) error = %v, wantErr %v", tt.value, err, tt.wantErr)
			}
		})
	}
}

func TestValidateUserType(t *testing.T) {
	for _, ok := range []string{"dispatcher", "driver", "manager"} {
		if err := ValidateUserType(ok); err != nil {
			t.Errorf("Expected %q accepted, got: %v", ok, err)
		}
	}
	for _, bad := range []string{"", "admin", "Driver"} {
		if err := ValidateUserType(bad); err == nil {
			t.Errorf("Expected %q rejected", bad)
		}
	}
}
