// Package blocking implements the waiter coordination behind BLPOP and
// XREAD BLOCK: FIFO registries of per-key, channel-based waiters, woken
// under the same keyspace lock that performed the write that might satisfy
// them. This is the same channel-as-signal idiom the server package uses
// for its own shutdown (a channel closed or sent to from one goroutine,
// waited on by another) generalized to a per-key registry.
//
// List waiters (BLPOP) get a destructive hand-off: the producer pops the
// element for them, under the keyspace lock, before the wake is even sent,
// so two waiters can never race for the same pushed element. Stream
// waiters (XREAD BLOCK) get a non-destructive broadcast: every waiter on
// the key is woken and independently re-reads everything after its cursor,
// since a new entry is visible to all readers, not just one.
package blocking

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Coordinator owns the waiter registries for Lists and Streams. The zero
// value is not usable; construct with New.
type Coordinator struct {
	mu         sync.Mutex
	listQueues map[string]*list.List // value: *listWaiter
	streamSubs map[string]*list.List // value: chan struct{}
}

type listWaiter struct {
	deliver chan []byte // receives exactly one popped element, or is closed if abandoned
}

// New constructs a ready Coordinator.
func New() *Coordinator {
	return &Coordinator{
		listQueues: make(map[string]*list.List),
		streamSubs: make(map[string]*list.List),
	}
}

// ListWaiter is a pending BLPOP registration returned by RegisterList. It
// is created under the same lock as the caller's check for existing data
// (see Keyspace.PopFrontOrWait), so that a push landing between the check
// and the registration can never be missed.
type ListWaiter struct {
	c    *Coordinator
	key  string
	elem *list.Element
	w    *listWaiter
}

// RegisterList enqueues the calling goroutine as a BLPOP waiter on key.
// Callers that also need to check for already-present data must do so
// under the same lock that guards this registration — see
// Keyspace.PopFrontOrWait, which invokes this while still holding the
// keyspace lock so the check and the registration are one atomic step.
func (c *Coordinator) RegisterList(key string) *ListWaiter {
	w := &listWaiter{deliver: make(chan []byte, 1)}
	elem := c.enqueueList(key, w)
	return &ListWaiter{c: c, key: key, elem: elem, w: w}
}

// Wait blocks until an element is handed to this waiter, ctx is done
// (disconnect), or deadline fires (a nil deadline channel that never fires
// means "wait forever"). ok is false on timeout or cancellation.
func (lw *ListWaiter) Wait(ctx context.Context, deadline <-chan time.Time) (val []byte, ok bool) {
	select {
	case val, ok := <-lw.w.deliver:
		return val, ok
	case <-ctx.Done():
		lw.c.cancelList(lw.key, lw.elem)
		// A delivery may have raced the cancellation; drain it rather than
		// drop a popped element on the floor.
		select {
		case val, ok := <-lw.w.deliver:
			return val, ok
		default:
			return nil, false
		}
	case <-deadline:
		lw.c.cancelList(lw.key, lw.elem)
		select {
		case val, ok := <-lw.w.deliver:
			return val, ok
		default:
			return nil, false
		}
	}
}

// WaitList registers the calling goroutine as a BLPOP waiter on key and
// blocks until an element is handed to it, ctx is done (disconnect), or
// deadline fires. It is register-then-wait combined into one call; callers
// that must check for existing data first (to avoid a lost wakeup) should
// use RegisterList directly instead, under the same lock as the check.
func (c *Coordinator) WaitList(ctx context.Context, key string, deadline <-chan time.Time) (val []byte, ok bool) {
	return c.RegisterList(key).Wait(ctx, deadline)
}

func (c *Coordinator) enqueueList(key string, w *listWaiter) *list.Element {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.listQueues[key]
	if !ok {
		q = list.New()
		c.listQueues[key] = q
	}
	return q.PushBack(w)
}

func (c *Coordinator) cancelList(key string, elem *list.Element) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.listQueues[key]
	if !ok {
		return
	}
	q.Remove(elem)
	if q.Len() == 0 {
		delete(c.listQueues, key)
	}
}

// DeliverPushed implements keyspace.ListNotifier. Called under the
// keyspace lock immediately after a push, it hands pushed elements to
// waiters in FIFO registration order until either the waiter queue or the
// list itself is exhausted.
func (c *Coordinator) DeliverPushed(key string, pop func() ([]byte, bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, ok := c.listQueues[key]
	if !ok {
		return
	}
	for q.Len() > 0 {
		val, ok := pop()
		if !ok {
			return
		}
		front := q.Front()
		q.Remove(front)
		front.Value.(*listWaiter).deliver <- val
	}
	delete(c.listQueues, key)
}

type streamSub struct {
	key  string
	ch   chan struct{}
	elem *list.Element
}

// StreamWaiter is a pending XREAD BLOCK registration returned by
// SubscribeStreams, covering one or more keys (XREAD's multi-key STREAMS
// form). It is created under the same lock as the caller's check for
// already-present entries (see Keyspace.ReadStreamsOrWait), so that a
// write landing between the check and the subscription can never be
// missed.
type StreamWaiter struct {
	c    *Coordinator
	subs []streamSub
}

// SubscribeStreams registers the calling goroutine as an XREAD BLOCK
// waiter on every key in keys. Callers that also need to check for
// already-present entries must do so under the same lock that guards this
// registration — see Keyspace.ReadStreamsOrWait, which invokes this while
// still holding the keyspace lock so the check and the subscription are
// one atomic step.
func (c *Coordinator) SubscribeStreams(keys []string) *StreamWaiter {
	subs := make([]streamSub, len(keys))
	for i, k := range keys {
		ch, elem := c.subscribeStream(k)
		subs[i] = streamSub{key: k, ch: ch, elem: elem}
	}
	return &StreamWaiter{c: c, subs: subs}
}

// Wait blocks until any subscribed key is woken by a write, ctx is done, or
// deadline fires. On every wake (including spurious ones) the caller must
// re-run its own After() check against the stream, since the wake is a
// broadcast with no payload.
func (sw *StreamWaiter) Wait(ctx context.Context, deadline <-chan time.Time) bool {
	done := make(chan struct{})
	woken := make(chan struct{}, len(sw.subs))
	for _, s := range sw.subs {
		go func(ch chan struct{}) {
			select {
			case <-ch:
				select {
				case woken <- struct{}{}:
				default:
				}
			case <-done:
			}
		}(s.ch)
	}

	defer func() {
		for _, s := range sw.subs {
			sw.c.unsubscribeStream(s.key, s.elem)
		}
	}()
	defer close(done)

	select {
	case <-woken:
		return true
	case <-ctx.Done():
		return false
	case <-deadline:
		return false
	}
}

// WaitStream registers the calling goroutine as an XREAD BLOCK waiter on
// key and blocks until woken by a write, ctx is done, or deadline fires.
// It is subscribe-then-wait combined into one call; callers that must
// check for existing entries first (to avoid a lost wakeup) should use
// SubscribeStreams directly instead, under the same lock as the check.
func (c *Coordinator) WaitStream(ctx context.Context, key string, deadline <-chan time.Time) bool {
	return c.WaitStreams(ctx, []string{key}, deadline)
}

// WaitStreams is WaitStream generalized to XREAD BLOCK's multi-key STREAMS
// form: the caller wakes as soon as any one of keys receives a write.
func (c *Coordinator) WaitStreams(ctx context.Context, keys []string, deadline <-chan time.Time) bool {
	return c.SubscribeStreams(keys).Wait(ctx, deadline)
}

func (c *Coordinator) subscribeStream(key string) (chan struct{}, *list.Element) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.streamSubs[key]
	if !ok {
		q = list.New()
		c.streamSubs[key] = q
	}
	ch := make(chan struct{})
	return ch, q.PushBack(ch)
}

func (c *Coordinator) unsubscribeStream(key string, elem *list.Element) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.streamSubs[key]
	if !ok {
		return
	}
	q.Remove(elem)
	if q.Len() == 0 {
		delete(c.streamSubs, key)
	}
}

// NotifyStreamWrite implements keyspace.StreamNotifier. Called under the
// keyspace lock immediately after an XADD, it wakes every current waiter
// on key by closing its channel, then drops the key's whole registry: the
// per-wait channels are single-shot and must not be closed twice, and each
// woken waiter's own unsubscribe then finds nothing left to remove.
func (c *Coordinator) NotifyStreamWrite(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.streamSubs[key]
	if !ok {
		return
	}
	for e := q.Front(); e != nil; e = e.Next() {
		close(e.Value.(chan struct{}))
	}
	delete(c.streamSubs, key)
}
