package keyspace

import (
	"sync"
	"time"

	"github.com/alphadose/haxmap"

	"github.com/oxblood/respd/app/diyredis/streams"
)

// Keyspace is the shared mapping from key to typed value. The zero value is
// not usable; construct with New.
//
// The backing container is a haxmap.Map, a lock-free concurrent hash map;
// all compound guarantees (type discipline, atomic list append+drain,
// atomic stream append+wake) are nonetheless provided by mu, a single
// logical keyspace lock held for the duration of each operation: a sharded
// or lock-free map is fine as the *container*, but correctness rests on
// serializing the operations that read-modify-write it.
type Keyspace struct {
	mu sync.Mutex
	m  *haxmap.Map[string, *value]
}

// New constructs an empty Keyspace.
func New() *Keyspace {
	return &Keyspace{m: haxmap.New[string, *value]()}
}

// lockedGet returns the live (non-expired) entry for key, lazily deleting
// it if it has expired. Caller must hold mu.
func (ks *Keyspace) lockedGet(key string, now time.Time) (*value, bool) {
	v, ok := ks.m.Get(key)
	if !ok {
		return nil, false
	}
	if v.expired(now) {
		ks.m.Del(key)
		return nil, false
	}
	return v, true
}

// Type returns the RESP TYPE name for key: "none" if absent or expired.
func (ks *Keyspace) Type(key string) Kind {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	v, ok := ks.lockedGet(key, time.Now())
	if !ok {
		return KindNone
	}
	return v.kind
}

// GetString returns the String value at key, or (nil, false) if absent or
// expired. If key holds a non-String value it returns ErrWrongType, which
// the executor maps to the WRONGTYPE reply.
func (ks *Keyspace) GetString(key string) ([]byte, bool, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	v, ok := ks.lockedGet(key, time.Now())
	if !ok {
		return nil, false, nil
	}
	if v.kind != KindString {
		return nil, false, ErrWrongType
	}
	return v.str, true, nil
}

// SetString overwrites any existing value at key with a String, optionally
// expiring at expireAt (zero value means no expiry). SET always succeeds
// regardless of the previous value's kind.
func (ks *Keyspace) SetString(key string, val []byte, expireAt time.Time) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.m.Set(key, &value{kind: KindString, str: val, expireAt: expireAt})
}

// ListNotifier is called (still under the keyspace lock) after a push
// succeeds, so the blocking coordinator can hand off newly-pushed elements
// to any FIFO-registered BLPOP waiters before the lock is released.
type ListNotifier interface {
	DeliverPushed(key string, pop func() ([]byte, bool))
}

// Push appends (RPUSH, front=false) or prepends (LPUSH, front=true) each of
// vals to the list at key, creating it if absent. Returns the length of the
// list right after the push (before any hand-off to BLPOP waiters), or
// ErrWrongType if key holds a non-List value.
func (ks *Keyspace) Push(key string, vals [][]byte, front bool, notify ListNotifier) (int, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	v, ok := ks.lockedGet(key, time.Now())
	if !ok {
		v = &value{kind: KindList}
		ks.m.Set(key, v)
	} else if v.kind != KindList {
		return 0, ErrWrongType
	}

	if front {
		// LPUSH k a b c => [c, b, a, ...prior]: each argument is pushed to the
		// front in argument order, so later arguments end up closer to head.
		for _, val := range vals {
			v.list = append([][]byte{val}, v.list...)
		}
	} else {
		v.list = append(v.list, vals...)
	}

	n := len(v.list)
	if notify != nil {
		notify.DeliverPushed(key, func() ([]byte, bool) {
			if len(v.list) == 0 {
				return nil, false
			}
			head := v.list[0]
			v.list = v.list[1:]
			return head, true
		})
	}

	return n, nil
}

// Pop removes up to n elements (n==-1 means "exactly one, as a scalar") from
// the head of the list at key. ok is false for a missing or empty list.
func (ks *Keyspace) Pop(key string, n int) (popped [][]byte, ok bool, err error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	v, found := ks.lockedGet(key, time.Now())
	if !found {
		return nil, false, nil
	}
	if v.kind != KindList {
		return nil, false, ErrWrongType
	}
	if len(v.list) == 0 {
		return nil, false, nil
	}

	count := n
	if count < 0 || count > len(v.list) {
		count = len(v.list)
	}
	if n == -1 {
		count = 1
	}
	popped = v.list[:count]
	v.list = v.list[count:]
	return popped, true, nil
}

// PopFront pops exactly one element from the head of the list at key,
// without allocating a slice for the caller.
func (ks *Keyspace) PopFront(key string) ([]byte, bool, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	v, found := ks.lockedGet(key, time.Now())
	if !found {
		return nil, false, nil
	}
	if v.kind != KindList {
		return nil, false, ErrWrongType
	}
	if len(v.list) == 0 {
		return nil, false, nil
	}
	head := v.list[0]
	v.list = v.list[1:]
	return head, true, nil
}

// PopFrontOrWait performs BLPOP's immediate-pop check and, if the list is
// empty or absent, the waiter registration, as a single operation under
// the keyspace lock. Without this, a push from another connection could
// land in the window between an independent "is there data" check and a
// later "register as waiter" call and never be delivered to anyone: the
// push's DeliverPushed would find no registered waiter yet, and the waiter
// would then register too late to receive it. register is invoked (still
// holding ks.mu) only when no element is available to pop immediately.
func (ks *Keyspace) PopFrontOrWait(key string, register func()) (val []byte, ok bool, err error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	v, found := ks.lockedGet(key, time.Now())
	if found {
		if v.kind != KindList {
			return nil, false, ErrWrongType
		}
		if len(v.list) > 0 {
			head := v.list[0]
			v.list = v.list[1:]
			return head, true, nil
		}
	}
	if register != nil {
		register()
	}
	return nil, false, nil
}

// Range returns the inclusive slice [i..j] of the list at key using Redis
// index semantics: negative indices count from the tail, bounds are
// clamped to [0, len-1], and i > j (or an absent list) yields an empty
// result.
func (ks *Keyspace) Range(key string, i, j int) ([][]byte, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	v, found := ks.lockedGet(key, time.Now())
	if !found {
		return nil, nil
	}
	if v.kind != KindList {
		return nil, ErrWrongType
	}
	return sliceRange(v.list, i, j), nil
}

func sliceRange(list [][]byte, i, j int) [][]byte {
	n := len(list)
	if n == 0 {
		return nil
	}
	i = normalizeIndex(i, n)
	j = normalizeIndex(j, n)
	if i < 0 {
		i = 0
	}
	if j >= n {
		j = n - 1
	}
	if i > j || i >= n || j < 0 {
		return nil
	}
	out := make([][]byte, j-i+1)
	copy(out, list[i:j+1])
	return out
}

func normalizeIndex(idx, n int) int {
	if idx < 0 {
		idx += n
	}
	return idx
}

// Len returns the length of the list at key, 0 if absent, ErrWrongType if a
// non-List value exists there.
func (ks *Keyspace) Len(key string) (int, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	v, found := ks.lockedGet(key, time.Now())
	if !found {
		return 0, nil
	}
	if v.kind != KindList {
		return 0, ErrWrongType
	}
	return len(v.list), nil
}

// StreamNotifier is called, still under the keyspace lock, after a
// successful XADD so the blocking coordinator can broadcast-wake any
// XREAD BLOCK waiters on key.
type StreamNotifier interface {
	NotifyStreamWrite(key string)
}

// XAdd appends a new entry to the stream at key (creating it if absent),
// assigning its ID per idSpec, and returns the assigned ID. See
// streams.Stream.Add for the assignment algorithm and error conditions.
func (ks *Keyspace) XAdd(key string, idSpec string, fields [][2][]byte, notify StreamNotifier) (streams.ID, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	v, found := ks.lockedGet(key, time.Now())
	if !found {
		v = &value{kind: KindStream, stream: streams.New()}
		ks.m.Set(key, v)
	} else if v.kind != KindStream {
		return streams.ID{}, ErrWrongType
	}

	id, err := v.stream.Add(idSpec, fields)
	if err != nil {
		return streams.ID{}, err
	}

	if notify != nil {
		notify.NotifyStreamWrite(key)
	}
	return id, nil
}

// XRange returns the entries of the stream at key within [start, end]
// inclusive, or an empty slice if key is absent.
func (ks *Keyspace) XRange(key string, start, end streams.ID) ([]streams.Entry, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	v, found := ks.lockedGet(key, time.Now())
	if !found {
		return nil, nil
	}
	if v.kind != KindStream {
		return nil, ErrWrongType
	}
	return v.stream.Range(start, end), nil
}

// StreamGroup is one key's non-empty result group within an XREAD reply.
type StreamGroup struct {
	Key     string
	Entries []streams.Entry
}

// ReadStreamsOrWait performs XREAD's non-blocking read across every
// (key, after) pair and, if every group comes back empty, the XREAD BLOCK
// waiter registration, as a single operation under the keyspace lock.
// Without this, a write from another connection could land in the window
// between an independent "anything new" check and a later subscription
// call and never wake anyone waiting for it. register is invoked (still
// holding ks.mu) only when no group has any entries.
func (ks *Keyspace) ReadStreamsOrWait(keys []string, afters []streams.ID, register func()) ([]StreamGroup, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	var groups []StreamGroup
	for i, key := range keys {
		v, found := ks.lockedGet(key, time.Now())
		if !found {
			continue
		}
		if v.kind != KindStream {
			return nil, ErrWrongType
		}
		entries := v.stream.After(afters[i])
		if len(entries) > 0 {
			groups = append(groups, StreamGroup{Key: key, Entries: entries})
		}
	}
	if len(groups) == 0 && register != nil {
		register()
	}
	return groups, nil
}
