// Package exitcode maps CLI-surfaced errors to the process exit codes the
// spec's CLI surface defines: 0 success, 1 user error (bad flags, missing
// file, invalid config), 2 internal error (everything else).
package exitcode

import "errors"

// UserError marks an error caused by the caller's input (a missing
// required flag, an unknown server name, an invalid config file) rather
// than an internal failure. Wrap with Wrap; cobra commands return the
// wrapped error from RunE and main() classifies it via For.
type UserError struct {
	Err error
}

func (e *UserError) Error() string { return e.Err.Error() }
func (e *UserError) Unwrap() error { return e.Err }

// Wrap marks err as caused by user input.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return &UserError{Err: err}
}

// For classifies err into the process exit code that should be returned
// for it: 1 for a UserError, 2 for anything else non-nil, 0 for nil.
func For(err error) int {
	if err == nil {
		return 0
	}
	var ue *UserError
	if errors.As(err, &ue) {
		return 1
	}
	return 2
}
