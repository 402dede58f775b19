package session

import (
	"fmt"
	"regexp"
)

// Session names become directory names under the chatsync base dir, so they
// are restricted to a filesystem-safe lowercase alphabet.
var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName checks that name is usable as a session directory name.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid session name %q: must match ^[a-z0-9_-]{1,64}$", name)
	}
	return nil
}
