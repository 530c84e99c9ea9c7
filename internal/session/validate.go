package session

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidName is matched by errors.Is for every rejected session name.
var ErrInvalidName = errors.New("invalid session name")

const namePattern = `^[a-z0-9_-]{1,64}$`

var nameRegexp = regexp.MustCompile(namePattern)

// ValidateName checks that name can be used as a session directory.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("%w %q: must match %s", ErrInvalidName, name, namePattern)
	}
	return nil
}
