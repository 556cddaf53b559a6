package cacheconfig

import "errors"

// ErrConfigInvalid is returned by Validate when an Options value fails validation
// (spec.md §7's ConfigInvalid error kind).
var ErrConfigInvalid = errors.New("cacheconfig: invalid configuration")
