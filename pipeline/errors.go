package pipeline

import (
	"github.com/pkg/errors"
)

// Warning marks a soft failure: the activity is dropped and logged, but
// nothing about it is an operator-facing fault. Raised during the resolve
// stage it aborts before any transaction opens; raised inside the
// transaction it rolls the whole activity back like any other error.
type Warning struct {
	err error
}

func Warn(err error) *Warning { return &Warning{err: err} }

func Warnf(format string, args ...any) *Warning {
	return &Warning{err: errors.Errorf(format, args...)}
}

func (w *Warning) Error() string { return w.err.Error() }
func (w *Warning) Unwrap() error { return w.err }

// IsWarning reports whether any error in the chain is a Warning.
func IsWarning(err error) bool {
	var w *Warning
	return errors.As(err, &w)
}
