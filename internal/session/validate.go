package session

import (
	"fmt"
	"regexp"
)

// Session names become directory names under ~/.wch, so they are kept
// to a conservative lowercase charset.
var namePattern = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName rejects names that cannot safely be used as a session
// directory.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("session name %q: use 1-64 lowercase letters, digits, '-' or '_'", name)
	}
	return nil
}
