// Package keyspace implements the shared key/value map: type discipline
// across String/List/Stream values, lazy expiration, and the list
// operations. All mutation goes through a single keyspace lock (see
// Keyspace.mu) so that operations on any one key are never torn.
package keyspace

import (
	"time"

	"github.com/oxblood/respd/app/diyredis/streams"
)

// Kind tags which variant a Value currently holds.
type Kind uint8

const (
	KindNone Kind = iota
	KindString
	KindList
	KindStream
)

// String returns the RESP TYPE name for k ("none" for KindNone).
func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindStream:
		return "stream"
	default:
		return "none"
	}
}

// value is the tagged union backing one keyspace entry. Exactly one of
// str/list/stream is meaningful, selected by kind.
type value struct {
	kind Kind

	str      []byte
	expireAt time.Time // zero value means "no expiry"; only Strings expire

	list [][]byte

	stream *streams.Stream
}

func (v *value) expired(now time.Time) bool {
	return v.kind == KindString && !v.expireAt.IsZero() && !v.expireAt.After(now)
}
