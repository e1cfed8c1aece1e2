package auth

import "errors"

// ErrKeyNotFound is returned when an API key does not resolve to a record.
var ErrKeyNotFound = errors.New("api key not found")
