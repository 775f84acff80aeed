package keyspace

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSetGetRoundtrip(t *testing.T) {
	ks := New()
	ks.SetString("foo", []byte("bar"), time.Time{})
	val, ok, err := ks.GetString("foo")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("bar"), val)
}

func TestGetMissingKey(t *testing.T) {
	ks := New()
	_, ok, err := ks.GetString("nope")
	require.NoError(t, err)
	require.False(t, ok)
}

// Expiration is monotonic in time: available before the deadline, gone at
// or after it, and lazily deleted on the next read.
func TestExpirationBoundary(t *testing.T) {
	ks := New()
	ks.SetString("k", []byte("v"), time.Now().Add(20*time.Millisecond))

	_, ok, err := ks.GetString("k")
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(30 * time.Millisecond)
	_, ok, err = ks.GetString("k")
	require.NoError(t, err)
	require.False(t, ok)

	require.Equal(t, KindNone, ks.Type("k"))
}

func TestWrongTypeOnList(t *testing.T) {
	ks := New()
	ks.SetString("k", []byte("v"), time.Time{})
	_, err := ks.Push("k", [][]byte{[]byte("x")}, false, nil)
	require.ErrorIs(t, err, ErrWrongType)
}

func TestWrongTypeOnGet(t *testing.T) {
	ks := New()
	_, err := ks.Push("k", [][]byte{[]byte("x")}, false, nil)
	require.NoError(t, err)
	_, _, err = ks.GetString("k")
	require.ErrorIs(t, err, ErrWrongType)
}

// LPUSH and RPUSH append to opposite ends of the same list.
func TestPushOrdering(t *testing.T) {
	ks := New()
	_, err := ks.Push("r", [][]byte{[]byte("a"), []byte("b"), []byte("c")}, false, nil)
	require.NoError(t, err)
	got, err := ks.Range("r", 0, -1)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, got)

	_, err = ks.Push("l", [][]byte{[]byte("a"), []byte("b"), []byte("c")}, true, nil)
	require.NoError(t, err)
	got, err = ks.Range("l", 0, -1)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("c"), []byte("b"), []byte("a")}, got)
}

func TestRangeNegativeIndicesAndClamping(t *testing.T) {
	ks := New()
	_, _ = ks.Push("k", [][]byte{[]byte("v1"), []byte("v2"), []byte("v3"), []byte("v4"), []byte("v5")}, false, nil)

	got, err := ks.Range("k", 0, 1)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("v1"), []byte("v2")}, got)

	got, err = ks.Range("k", -3, 10)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("v3"), []byte("v4"), []byte("v5")}, got)

	got, err = ks.Range("k", 5, 10)
	require.NoError(t, err)
	require.Empty(t, got)

	got, err = ks.Range("k", -100, -1)
	require.NoError(t, err)
	require.Len(t, got, 5)
}

func TestRangeEmptyOrAbsentList(t *testing.T) {
	ks := New()
	got, err := ks.Range("nope", 0, -1)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestPopFrontAndLen(t *testing.T) {
	ks := New()
	_, _ = ks.Push("k", [][]byte{[]byte("a"), []byte("b")}, false, nil)

	v, ok, err := ks.PopFront("k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("a"), v)

	n, err := ks.Len("k")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, _, err = ks.PopFront("k")
	require.NoError(t, err)
	_, ok, err = ks.PopFront("k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPopWithCount(t *testing.T) {
	ks := New()
	_, _ = ks.Push("k", [][]byte{[]byte("a"), []byte("b"), []byte("c")}, false, nil)

	popped, ok, err := ks.Pop("k", 2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, [][]byte{[]byte("a"), []byte("b")}, popped)

	popped, ok, err = ks.Pop("k", 10)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, [][]byte{[]byte("c")}, popped)

	_, ok, err = ks.Pop("k", 1)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTypeReportsKind(t *testing.T) {
	ks := New()
	require.Equal(t, KindNone, ks.Type("missing"))

	ks.SetString("s", []byte("v"), time.Time{})
	require.Equal(t, KindString, ks.Type("s"))

	_, _ = ks.Push("l", [][]byte{[]byte("a")}, false, nil)
	require.Equal(t, KindList, ks.Type("l"))
}
