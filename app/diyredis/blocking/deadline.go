package blocking

import "time"

// Deadline builds a channel that fires once after timeout, or never if
// timeout is zero (the BLPOP/XREAD BLOCK convention for "wait forever": a
// nil channel blocks forever in a select). The returned stop func releases
// the underlying timer; callers must call it once they're done waiting,
// win or lose, to avoid leaking it until it would have fired on its own.
func Deadline(timeout time.Duration) (ch <-chan time.Time, stop func()) {
	if timeout <= 0 {
		return nil, func() {}
	}
	t := time.NewTimer(timeout)
	return t.C, func() { t.Stop() }
}
