package diyredis

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/oxblood/respd/app/diyredis/blocking"
	"github.com/oxblood/respd/app/diyredis/keyspace"
)

func newTestLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

// testClient wires one end of a net.Pipe to a live Session running on the
// other end in a background goroutine.
type testClient struct {
	conn net.Conn
}

func newTestClient(t *testing.T, ks *keyspace.Keyspace, coord *blocking.Coordinator) *testClient {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	session := NewSession(serverSide, ks, coord, newTestLogger())
	go session.Run()
	t.Cleanup(func() { clientSide.Close() })
	return &testClient{conn: clientSide}
}

func (c *testClient) send(t *testing.T, raw string) {
	t.Helper()
	_, err := c.conn.Write([]byte(raw))
	require.NoError(t, err)
}

func (c *testClient) readN(t *testing.T, n int) string {
	t.Helper()
	buf := make([]byte, n)
	_, err := io.ReadFull(c.conn, buf)
	require.NoError(t, err)
	return string(buf)
}

// Echo round-trip.
func TestScenarioEcho(t *testing.T) {
	c := newTestClient(t, keyspace.New(), blocking.New())
	c.send(t, "*2\r\n$4\r\nECHO\r\n$6\r\nbanana\r\n")
	require.Equal(t, "$6\r\nbanana\r\n", c.readN(t, len("$6\r\nbanana\r\n")))
}

// Set/Get with a millisecond expiry.
func TestScenarioSetGetPX(t *testing.T) {
	c := newTestClient(t, keyspace.New(), blocking.New())
	c.send(t, "*5\r\n$3\r\nSET\r\n$3\r\nfoo\r\n$3\r\nbar\r\n$2\r\nPX\r\n$3\r\n100\r\n")
	require.Equal(t, "+OK\r\n", c.readN(t, len("+OK\r\n")))

	c.send(t, "*2\r\n$3\r\nGET\r\n$3\r\nfoo\r\n")
	require.Equal(t, "$3\r\nbar\r\n", c.readN(t, len("$3\r\nbar\r\n")))

	time.Sleep(150 * time.Millisecond)
	c.send(t, "*2\r\n$3\r\nGET\r\n$3\r\nfoo\r\n")
	require.Equal(t, "$-1\r\n", c.readN(t, len("$-1\r\n")))
}

// List range, including negative-index clamping.
func TestScenarioListRange(t *testing.T) {
	c := newTestClient(t, keyspace.New(), blocking.New())
	c.send(t, "*7\r\n$5\r\nRPUSH\r\n$1\r\nk\r\n$2\r\nv1\r\n$2\r\nv2\r\n$2\r\nv3\r\n$2\r\nv4\r\n$2\r\nv5\r\n")
	require.Equal(t, ":5\r\n", c.readN(t, len(":5\r\n")))

	c.send(t, "*4\r\n$6\r\nLRANGE\r\n$1\r\nk\r\n$1\r\n0\r\n$1\r\n1\r\n")
	want := "*2\r\n$2\r\nv1\r\n$2\r\nv2\r\n"
	require.Equal(t, want, c.readN(t, len(want)))

	c.send(t, "*4\r\n$6\r\nLRANGE\r\n$1\r\nk\r\n$2\r\n-3\r\n$2\r\n10\r\n")
	want = "*3\r\n$2\r\nv3\r\n$2\r\nv4\r\n$2\r\nv5\r\n"
	require.Equal(t, want, c.readN(t, len(want)))
}

// Stream ID monotonicity and the errors a violation produces.
func TestScenarioStreamMonotonicity(t *testing.T) {
	c := newTestClient(t, keyspace.New(), blocking.New())

	c.send(t, "*5\r\n$4\r\nXADD\r\n$1\r\ns\r\n$3\r\n0-0\r\n$1\r\nf\r\n$1\r\nv\r\n")
	want := "-ERR The ID specified in XADD must be greater than 0-0\r\n"
	require.Equal(t, want, c.readN(t, len(want)))

	c.send(t, "*5\r\n$4\r\nXADD\r\n$1\r\ns\r\n$3\r\n0-1\r\n$1\r\nf\r\n$1\r\nv\r\n")
	require.Equal(t, "$3\r\n0-1\r\n", c.readN(t, len("$3\r\n0-1\r\n")))

	c.send(t, "*5\r\n$4\r\nXADD\r\n$1\r\ns\r\n$3\r\n0-1\r\n$1\r\nf\r\n$1\r\nv\r\n")
	want = "-ERR The ID specified in XADD is equal or smaller than the target stream top item\r\n"
	require.Equal(t, want, c.readN(t, len(want)))

	c.send(t, "*5\r\n$4\r\nXADD\r\n$1\r\ns\r\n$3\r\n1-1\r\n$1\r\ng\r\n$1\r\nw\r\n")
	require.Equal(t, "$3\r\n1-1\r\n", c.readN(t, len("$3\r\n1-1\r\n")))
}

// BLPOP wakeup and exact element hand-off.
func TestScenarioBLPOPWakeup(t *testing.T) {
	ks := keyspace.New()
	coord := blocking.New()
	a := newTestClient(t, ks, coord)
	b := newTestClient(t, ks, coord)

	a.send(t, "*3\r\n$5\r\nBLPOP\r\n$1\r\nk\r\n$1\r\n0\r\n")
	time.Sleep(10 * time.Millisecond)

	b.send(t, "*4\r\n$5\r\nRPUSH\r\n$1\r\nk\r\n$2\r\nv1\r\n$2\r\nv2\r\n")
	require.Equal(t, ":2\r\n", b.readN(t, len(":2\r\n")))

	want := "*2\r\n$1\r\nk\r\n$2\r\nv1\r\n"
	require.Equal(t, want, a.readN(t, len(want)))

	got, err := ks.Range("k", 0, -1)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("v2")}, got)
}

// BLPOP times out and returns a null array when nothing arrives.
func TestScenarioBLPOPTimeout(t *testing.T) {
	c := newTestClient(t, keyspace.New(), blocking.New())
	start := time.Now()
	c.send(t, "*3\r\n$5\r\nBLPOP\r\n$1\r\nk\r\n$3\r\n0.2\r\n")
	require.Equal(t, "*-1\r\n", c.readN(t, len("*-1\r\n")))
	require.True(t, time.Since(start) >= 190*time.Millisecond)
}
