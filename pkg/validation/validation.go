package validation

import (
	"fmt"
	"regexp"
)

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// ValidateID checks a region/office identifier: alphanumerics, dash,
// underscore, at most 64 characters. Underscore-free values keep the
// derived scope key ("region_office") unambiguous, but legacy office ids
// contain underscores, so only the charset is enforced.
func ValidateID(field, value string) error {
	if value == "" {
		return fmt.Errorf("%s must not be empty", field)
	}
	if !idPattern.MatchString(value) {
		return fmt.Errorf("%s contains invalid characters: %q", field, value)
	}
	return nil
}

// ValidateUserType checks the issuance RPC userType field.
func ValidateUserType(value string) error {
	switch value {
	case "dispatcher", "driver", "manager":
		return nil
	default:
		return fmt.Errorf("unknown userType: %q", value)
	}
}
