package keyspace

import "errors"

// ErrWrongType is returned whenever a command operates on a key holding a
// different kind of value than the command expects. It is reported to
// clients as "-WRONGTYPE Operation against a key holding the wrong kind of
// value".
var ErrWrongType = errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")
