package instance

import (
	"fmt"
	"os"
	"regexp"
)

const (
	DefaultName = "main"
	NameEnv     = "EMAILAPP_INSTANCE"
)

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName checks that name conforms to instance naming rules.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid instance name %q: must match ^[a-z0-9_-]{1,64}$", name)
	}
	return nil
}

// Resolve determines the active instance name using precedence:
// 1. flagOverride (--instance flag)
// 2. $EMAILAPP_INSTANCE
// 3. "main"
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if env := os.Getenv(NameEnv); env != "" {
		return env
	}
	return DefaultName
}
