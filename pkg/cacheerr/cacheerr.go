// Package cacheerr names the target-language-neutral error kinds of spec.md §7, so that
// cache operations across pkg/cacheops, pkg/aggregator and the Encore services can be
// distinguished with errors.Is regardless of which concrete package raised them.
package cacheerr

import "errors"

// Kind identifies one of spec.md §7's error kinds.
type Kind string

const (
	InvalidKey          Kind = "InvalidKey"
	NotFound            Kind = "NotFound"
	StorageFull         Kind = "StorageFull"
	StorageUnavailable  Kind = "StorageUnavailable"
	MissingRef          Kind = "MissingRef"
	MissingEvent        Kind = "MissingEvent"
	ConfigInvalid       Kind = "ConfigInvalid"
	ApiFailure          Kind = "ApiFailure"
)

// Error wraps an underlying cause with the error kind that classifies it.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with kind. If err is nil, New returns nil.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Is reports whether err was raised with the given kind, via errors.As against *Error.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
