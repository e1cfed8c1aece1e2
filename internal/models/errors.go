package models

import "errors"

// ErrModelNotFound is returned when no metadata record exists for a
// requested model name.
var ErrModelNotFound = errors.New("model not found")
