package helper

import (
	"fmt"
	"strings"

	"github.com/ldaptools/ldap-distd/internal/ldapclient"
)

// Context is the opaque per-configuration value returned by a helper's
// ParseOptions. The core never inspects it; it is handed back verbatim to
// Work for every entry dispatched under that configuration.
type Context any

// Helper is the four-operation capability contract every plugin satisfies.
//
// Attributes and ParseOptions must behave identically on every instance of
// a given helper: the controller calls them on a throwaway instance at
// construction time and instantiates a fresh helper per batch, so that
// Work may accumulate state that Finish releases.
type Helper interface {
	// Attributes declares the LDAP attributes the helper needs. A nil
	// return requests all user attributes. The controller always augments
	// the declared set with modifyTimestamp.
	Attributes() []string

	// ParseOptions validates the free-form options mapping and returns an
	// opaque context. Unknown keys fail with *InvalidOptionError, missing
	// required keys with *MissingOptionError.
	ParseOptions(options map[string]string) (Context, error)

	// Work performs the side effect for one entry. It must be idempotent
	// when modified is false. Recoverable failures are reported as *Error;
	// any other error is treated as fatal by the daemon.
	Work(ctx Context, entry *ldapclient.Entry, modified bool) error

	// Finish runs once per batch after all entries, for helpers that stage
	// writes. Helpers without batch state return nil.
	Finish() error
}

// Factory produces a fresh helper instance.
type Factory func() Helper

// Error is a recoverable helper failure. It is logged per entry and marks
// the batch failed without aborting it; the next tick retries.
type Error struct {
	msg string
}

// Errorf builds a recoverable helper error.
func Errorf(format string, args ...any) *Error {
	return &Error{msg: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return e.msg
}

// InvalidOptionError reports an option key or value a helper does not
// accept. Raised during construction and surfaced to the embedder.
type InvalidOptionError struct {
	Option string
	Reason string
}

func (e *InvalidOptionError) Error() string {
	return fmt.Sprintf("invalid option %q: %s", e.Option, e.Reason)
}

// MissingOptionError reports a required option a configuration omitted.
type MissingOptionError struct {
	Option string
}

func (e *MissingOptionError) Error() string {
	return fmt.Sprintf("required option %q not specified", e.Option)
}

// ParseBoolOption converts an option value to a bool. Exactly "true" or
// "false" are accepted, case-insensitively; anything else is an
// *InvalidOptionError.
func ParseBoolOption(option, value string) (bool, error) {
	switch {
	case strings.EqualFold(value, "true"):
		return true, nil
	case strings.EqualFold(value, "false"):
		return false, nil
	}

	return false, &InvalidOptionError{Option: option, Reason: fmt.Sprintf("%q must be true or false", value)}
}
