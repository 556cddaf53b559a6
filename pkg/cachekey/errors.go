package cachekey

import "errors"

// ErrInvalidKey is returned by Validate when a key's shape fails structural checks
// (spec.md §7's InvalidKey error kind).
var ErrInvalidKey = errors.New("cachekey: invalid key")
