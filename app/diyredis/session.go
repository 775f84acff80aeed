package diyredis

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/oxblood/respd/app/diyredis/blocking"
	"github.com/oxblood/respd/app/diyredis/keyspace"
	"github.com/oxblood/respd/app/diyredis/resp"
	"github.com/oxblood/respd/app/diyredis/streams"
)

// errClientGone marks a disconnect observed while a blocking command
// (BLPOP/XREAD BLOCK) was suspended: the connection is already closed, so
// the caller must not attempt a reply.
var errClientGone = errors.New("client disconnected while blocked")

// Session handles one client connection: it decodes frames, dispatches
// commands against a shared Keyspace and Coordinator, and writes replies
// strictly in arrival order, one request fully answered before the next is
// read.
type Session struct {
	conn  net.Conn
	r     *bufio.Reader
	ks    *keyspace.Keyspace
	coord *blocking.Coordinator
	log   *logrus.Entry
}

// NewSession wraps conn with the buffered reader the codec needs.
func NewSession(conn net.Conn, ks *keyspace.Keyspace, coord *blocking.Coordinator, log *logrus.Entry) *Session {
	return &Session{conn: conn, r: bufio.NewReader(conn), ks: ks, coord: coord, log: log}
}

// Run processes frames until the connection closes or a protocol error
// forces it shut. A panic inside a command handler is recovered, logged,
// and answered with an "-ERR internal error" reply, and the connection
// carries on with the next frame; handlers build their reply in a local
// buffer, so nothing has reached the connection yet when one panics. A
// panic elsewhere in the loop is recovered and logged, and the connection
// closes.
func (s *Session) Run() {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("panic", r).Error("recovered from panic handling command")
		}
	}()

	for {
		frame, err := resp.Decode(s.r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			s.protocolError(err)
			return
		}

		args, err := resp.Command(frame)
		if err != nil {
			s.protocolError(err)
			return
		}

		reply, err := func() (reply []byte, err error) {
			defer func() {
				if r := recover(); r != nil {
					s.log.WithField("panic", r).Error("recovered from panic handling command")
					reply, err = errReply("ERR internal error"), nil
				}
			}()
			return s.dispatch(args)
		}()
		if err != nil {
			if !errors.Is(err, errClientGone) {
				s.log.WithError(err).Warn("closing connection")
			}
			return
		}
		if _, err := s.conn.Write(reply); err != nil {
			return
		}
	}
}

func (s *Session) protocolError(err error) {
	s.log.WithError(err).Warn("protocol error, closing connection")
	var enc resp.Encoder
	enc.WriteError("ERR Protocol error")
	s.conn.Write(enc.Buf)
}

func (s *Session) dispatch(args [][]byte) ([]byte, error) {
	verb := strings.ToUpper(string(args[0]))
	switch verb {
	case "PING":
		return cmdPING(args), nil
	case "ECHO":
		return cmdECHO(args), nil
	case "GET":
		return s.cmdGET(args), nil
	case "SET":
		return s.cmdSET(args), nil
	case "RPUSH":
		return s.cmdPush(args, false), nil
	case "LPUSH":
		return s.cmdPush(args, true), nil
	case "LRANGE":
		return s.cmdLRANGE(args), nil
	case "LLEN":
		return s.cmdLLEN(args), nil
	case "LPOP":
		return s.cmdLPOP(args), nil
	case "BLPOP":
		return s.cmdBLPOP(args)
	case "TYPE":
		return s.cmdTYPE(args), nil
	case "XADD":
		return s.cmdXADD(args), nil
	case "XRANGE":
		return s.cmdXRANGE(args), nil
	case "XREAD":
		return s.cmdXREAD(args)
	default:
		return errReply(fmt.Sprintf("ERR unknown command '%s'", string(args[0]))), nil
	}
}

func arityErr(verb string) []byte {
	return errReply(fmt.Sprintf("ERR wrong number of arguments for '%s' command", strings.ToLower(verb)))
}

func errReply(msg string) []byte {
	var enc resp.Encoder
	enc.WriteError(msg)
	return enc.Buf
}

func typeErrReply() []byte { return errReply(keyspace.ErrWrongType.Error()) }

func replyForErr(err error) []byte {
	if errors.Is(err, keyspace.ErrWrongType) {
		return typeErrReply()
	}
	return errReply("ERR " + err.Error())
}

func cmdPING(args [][]byte) []byte {
	if len(args) > 2 {
		return arityErr("ping")
	}
	var enc resp.Encoder
	if len(args) == 2 {
		enc.WriteBulk(args[1])
	} else {
		enc.WriteSimpleString("PONG")
	}
	return enc.Buf
}

func cmdECHO(args [][]byte) []byte {
	if len(args) != 2 {
		return arityErr("echo")
	}
	var enc resp.Encoder
	enc.WriteBulk(args[1])
	return enc.Buf
}

func (s *Session) cmdGET(args [][]byte) []byte {
	if len(args) != 2 {
		return arityErr("get")
	}
	val, ok, err := s.ks.GetString(string(args[1]))
	if err != nil {
		return replyForErr(err)
	}
	var enc resp.Encoder
	if !ok {
		enc.WriteNullBulk()
		return enc.Buf
	}
	enc.WriteBulk(val)
	return enc.Buf
}

// cmdSET parses "SET k v [EX seconds|PX milliseconds]". At most one of
// EX/PX is accepted; both absent means no expiry.
func (s *Session) cmdSET(args [][]byte) []byte {
	if len(args) != 3 && len(args) != 5 {
		return arityErr("set")
	}
	var expireAt time.Time
	if len(args) == 5 {
		opt := strings.ToUpper(string(args[3]))
		n, err := strconv.ParseInt(string(args[4]), 10, 64)
		if err != nil {
			return errReply("ERR value is not an integer or out of range")
		}
		switch opt {
		case "EX":
			expireAt = time.Now().Add(time.Duration(n) * time.Second)
		case "PX":
			expireAt = time.Now().Add(time.Duration(n) * time.Millisecond)
		default:
			return errReply("ERR syntax error")
		}
	}
	s.ks.SetString(string(args[1]), args[2], expireAt)
	var enc resp.Encoder
	enc.WriteSimpleString("OK")
	return enc.Buf
}

func (s *Session) cmdPush(args [][]byte, front bool) []byte {
	verb := "rpush"
	if front {
		verb = "lpush"
	}
	if len(args) < 3 {
		return arityErr(verb)
	}
	n, err := s.ks.Push(string(args[1]), args[2:], front, s.coord)
	if err != nil {
		return replyForErr(err)
	}
	var enc resp.Encoder
	enc.WriteInteger(int64(n))
	return enc.Buf
}

func (s *Session) cmdLRANGE(args [][]byte) []byte {
	if len(args) != 4 {
		return arityErr("lrange")
	}
	i, err1 := strconv.Atoi(string(args[2]))
	j, err2 := strconv.Atoi(string(args[3]))
	if err1 != nil || err2 != nil {
		return errReply("ERR value is not an integer or out of range")
	}
	elems, err := s.ks.Range(string(args[1]), i, j)
	if err != nil {
		return replyForErr(err)
	}
	var enc resp.Encoder
	enc.WriteArrayHeader(len(elems))
	for _, e := range elems {
		enc.WriteBulk(e)
	}
	return enc.Buf
}

func (s *Session) cmdLLEN(args [][]byte) []byte {
	if len(args) != 2 {
		return arityErr("llen")
	}
	n, err := s.ks.Len(string(args[1]))
	if err != nil {
		return replyForErr(err)
	}
	var enc resp.Encoder
	enc.WriteInteger(int64(n))
	return enc.Buf
}

func (s *Session) cmdLPOP(args [][]byte) []byte {
	if len(args) != 2 && len(args) != 3 {
		return arityErr("lpop")
	}
	count := -1
	if len(args) == 3 {
		n, err := strconv.Atoi(string(args[2]))
		if err != nil || n < 0 {
			return errReply("ERR value is out of range, must be positive")
		}
		count = n
	}
	popped, ok, err := s.ks.Pop(string(args[1]), count)
	if err != nil {
		return replyForErr(err)
	}
	var enc resp.Encoder
	if !ok {
		if count == -1 {
			enc.WriteNullBulk()
		} else {
			enc.WriteNullArray()
		}
		return enc.Buf
	}
	if count == -1 {
		enc.WriteBulk(popped[0])
		return enc.Buf
	}
	enc.WriteArrayHeader(len(popped))
	for _, e := range popped {
		enc.WriteBulk(e)
	}
	return enc.Buf
}

func (s *Session) cmdTYPE(args [][]byte) []byte {
	if len(args) != 2 {
		return arityErr("type")
	}
	var enc resp.Encoder
	enc.WriteSimpleString(s.ks.Type(string(args[1])).String())
	return enc.Buf
}

func (s *Session) cmdXADD(args [][]byte) []byte {
	if len(args) < 5 {
		return arityErr("xadd")
	}
	rest := args[3:]
	if len(rest)%2 != 0 {
		return errReply("ERR wrong number of arguments for 'xadd' command")
	}
	fields := make([][2][]byte, len(rest)/2)
	for i := 0; i < len(rest); i += 2 {
		fields[i/2] = [2][]byte{rest[i], rest[i+1]}
	}

	id, err := s.ks.XAdd(string(args[1]), string(args[2]), fields, s.coord)
	if err != nil {
		return replyForErr(err)
	}
	var enc resp.Encoder
	enc.WriteBulkString(id.String())
	return enc.Buf
}

func (s *Session) cmdXRANGE(args [][]byte) []byte {
	if len(args) != 4 {
		return arityErr("xrange")
	}
	start, err := streams.ParseRangeID(string(args[2]), true)
	if err != nil {
		return errReply("ERR Invalid stream ID specified as stream command argument")
	}
	end, err := streams.ParseRangeID(string(args[3]), false)
	if err != nil {
		return errReply("ERR Invalid stream ID specified as stream command argument")
	}
	entries, err := s.ks.XRange(string(args[1]), start, end)
	if err != nil {
		return replyForErr(err)
	}
	var enc resp.Encoder
	writeEntries(&enc, entries)
	return enc.Buf
}

func writeEntries(enc *resp.Encoder, entries []streams.Entry) {
	enc.WriteArrayHeader(len(entries))
	for _, e := range entries {
		enc.WriteArrayHeader(2)
		enc.WriteBulkString(e.ID.String())
		enc.WriteArrayHeader(len(e.Fields) * 2)
		for _, fv := range e.Fields {
			enc.WriteBulk(fv[0])
			enc.WriteBulk(fv[1])
		}
	}
}

// cmdBLPOP implements "BLPOP key timeout": an immediate pop if available,
// otherwise registration as a waiter until hand-off, deadline, or
// disconnect. The pop check and the waiter registration happen as one
// atomic step under the keyspace lock (Keyspace.PopFrontOrWait), so a push
// arriving between "nothing to pop" and "now waiting" can never be missed.
func (s *Session) cmdBLPOP(args [][]byte) ([]byte, error) {
	if len(args) != 3 {
		return arityErr("blpop"), nil
	}
	timeout, err := parseTimeoutSeconds(args[2])
	if err != nil {
		return errReply("ERR timeout is not a float or out of range"), nil
	}
	key := string(args[1])

	var waiter *blocking.ListWaiter
	val, ok, err := s.ks.PopFrontOrWait(key, func() {
		waiter = s.coord.RegisterList(key)
	})
	if err != nil {
		return replyForErr(err), nil
	}
	if ok {
		return blpopReply(key, val), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go s.watchDisconnect(ctx, cancel, stopped)
	defer func() {
		cancel()
		<-stopped // the watcher must stop touching s.conn/s.r before Run resumes reading
	}()

	deadlineCh, stop := blocking.Deadline(timeout)
	defer stop()

	val, ok = waiter.Wait(ctx, deadlineCh)
	if !ok {
		if ctx.Err() != nil {
			return nil, errClientGone
		}
		var enc resp.Encoder
		enc.WriteNullArray()
		return enc.Buf, nil
	}
	return blpopReply(key, val), nil
}

func blpopReply(key string, val []byte) []byte {
	var enc resp.Encoder
	enc.WriteArrayHeader(2)
	enc.WriteBulkString(key)
	enc.WriteBulk(val)
	return enc.Buf
}

// cmdXREAD implements "XREAD [BLOCK t] STREAMS k1..kn id1..idn". BLOCK's
// argument is seconds (fractional permitted), matching BLPOP — unlike the
// Redis reference, which uses milliseconds for BLOCK.
func (s *Session) cmdXREAD(args [][]byte) ([]byte, error) {
	rest := args[1:]
	var blockTimeout time.Duration
	isBlocking := false
	if len(rest) >= 2 && strings.EqualFold(string(rest[0]), "BLOCK") {
		t, err := parseTimeoutSeconds(rest[1])
		if err != nil {
			return errReply("ERR timeout is not a float or out of range"), nil
		}
		blockTimeout = t
		isBlocking = true
		rest = rest[2:]
	}
	if len(rest) < 3 || !strings.EqualFold(string(rest[0]), "STREAMS") {
		return errReply("ERR syntax error"), nil
	}
	rest = rest[1:]
	if len(rest)%2 != 0 {
		return errReply("ERR Unbalanced XREAD list of streams: for each stream key an ID or '$' must be specified."), nil
	}
	n := len(rest) / 2
	keys := make([]string, n)
	ids := make([]streams.ID, n)
	for i := 0; i < n; i++ {
		keys[i] = string(rest[i])
		id, err := streams.ParseRangeID(string(rest[n+i]), true)
		if err != nil {
			return errReply("ERR Invalid stream ID specified as stream command argument"), nil
		}
		ids[i] = id
	}

	groups, err := s.ks.ReadStreamsOrWait(keys, ids, nil)
	if err != nil {
		return replyForErr(err), nil
	}
	if len(groups) > 0 {
		return encodeStreamGroups(groups), nil
	}
	if !isBlocking {
		var enc resp.Encoder
		enc.WriteNullArray()
		return enc.Buf, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go s.watchDisconnect(ctx, cancel, stopped)
	defer func() {
		cancel()
		<-stopped // the watcher must stop touching s.conn/s.r before Run resumes reading
	}()
	deadlineCh, stop := blocking.Deadline(blockTimeout)
	defer stop()

	// Each iteration re-checks the streams and, only if still dry, (re)
	// subscribes as one atomic step under the keyspace lock — the same
	// check-or-register discipline as cmdBLPOP, so a write landing between
	// a wake and the next subscription can never be missed either.
	for {
		var waiter *blocking.StreamWaiter
		groups, err := s.ks.ReadStreamsOrWait(keys, ids, func() {
			waiter = s.coord.SubscribeStreams(keys)
		})
		if err != nil {
			return replyForErr(err), nil
		}
		if len(groups) > 0 {
			return encodeStreamGroups(groups), nil
		}
		if !waiter.Wait(ctx, deadlineCh) {
			if ctx.Err() != nil {
				return nil, errClientGone
			}
			var enc resp.Encoder
			enc.WriteNullArray()
			return enc.Buf, nil
		}
	}
}

// encodeStreamGroups renders an XREAD reply: one (key, entries) pair per
// non-empty group. Callers only invoke this with a non-empty groups slice;
// the "nothing new" case (no BLOCK, or BLOCK timed out) replies with a null
// array instead, matching the reference behavior.
func encodeStreamGroups(groups []keyspace.StreamGroup) []byte {
	var enc resp.Encoder
	enc.WriteArrayHeader(len(groups))
	for _, g := range groups {
		enc.WriteArrayHeader(2)
		enc.WriteBulkString(g.Key)
		writeEntries(&enc, g.Entries)
	}
	return enc.Buf
}

func parseTimeoutSeconds(arg []byte) (time.Duration, error) {
	secs, err := strconv.ParseFloat(string(arg), 64)
	if err != nil || secs < 0 {
		return 0, fmt.Errorf("invalid timeout")
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// watchDisconnect polls the connection for a closed/broken state while the
// session is parked in a blocking command, without contending with the
// main goroutine's reads (which aren't happening at this point). It exits
// on ctx cancellation (normal completion of the wait) or on detecting the
// peer is gone, in which case it cancels ctx itself; either way it closes
// stopped as its last act. Since the ctx.Done() check only happens between
// Peek calls, a cancellation can take up to one poll interval to be
// noticed — callers must wait on stopped, not just cancel ctx, before
// touching s.conn/s.r again, or the two goroutines can race on the same
// reader.
func (s *Session) watchDisconnect(ctx context.Context, cancel context.CancelFunc, stopped chan<- struct{}) {
	defer close(stopped)
	defer s.conn.SetReadDeadline(time.Time{})
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		_, err := s.r.Peek(1)
		if err == nil {
			continue
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			continue
		}
		cancel()
		return
	}
}
