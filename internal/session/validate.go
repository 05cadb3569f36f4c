package session

import (
	"fmt"
	"regexp"
)

// Session names become directory names under ~/.palaver/sessions, so the
// accepted alphabet is deliberately narrow.
var namePattern = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName rejects names that cannot serve as a session directory:
// lowercase letters, digits, hyphen and underscore, at most 64 characters.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("bad session name %q: want 1-64 chars of [a-z0-9_-]", name)
	}
	return nil
}
