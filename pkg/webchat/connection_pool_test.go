package webchat

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubConn struct {
	mu       sync.Mutex
	writes   [][]byte
	blockCh  chan struct{}
	closedCh chan struct{}
	failNext bool
}

func newStubConn(blockWrites bool) *stubConn {
	blockCh := make(chan struct{})
	if !blockWrites {
		close(blockCh)
	}
	return &stubConn{blockCh: blockCh, closedCh: make(chan struct{})}
}

func (s *stubConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-s.closedCh:
		return errors.New("closed")
	case <-s.blockCh:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		return errors.New("broken pipe")
	}
	s.writes = append(s.writes, append([]byte(nil), data...))
	return nil
}

func (s *stubConn) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closedCh:
	default:
		close(s.closedCh)
	}
	return nil
}

func (s *stubConn) SetWriteDeadline(_ time.Time) error {
	return nil
}

func (s *stubConn) written() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.writes))
	for i, w := range s.writes {
		out[i] = string(w)
	}
	return out
}

func TestConnectionPoolBroadcastKeepsOrder(t *testing.T) {
	pool := NewConnectionPool(1, 0, nil)
	a, b := newStubConn(false), newStubConn(false)
	pool.Add(a)
	pool.Add(b)

	for _, f := range []string{"one", "two", "three"} {
		pool.Broadcast([]byte(f))
	}
	want := []string{"one", "two", "three"}
	require.Eventually(t, func() bool { return len(a.written()) == 3 && len(b.written()) == 3 }, time.Second, 10*time.Millisecond)
	require.Equal(t, want, a.written())
	require.Equal(t, want, b.written())

	pool.SendToOne(a, []byte("only-a"))
	require.Eventually(t, func() bool { return len(a.written()) == 4 }, time.Second, 10*time.Millisecond)
	require.Len(t, b.written(), 3)
}

func TestConnectionPoolDropsOnFullBuffer(t *testing.T) {
	pool := NewConnectionPool(1, 0, nil)
	pool.sendBuffer = 1
	pool.writeTimeout = 0

	conn := newStubConn(true)
	pool.Add(conn)

	pool.Broadcast([]byte("one"))
	pool.Broadcast([]byte("two"))
	pool.Broadcast([]byte("three"))

	require.Eventually(t, func() bool {
		return pool.Count() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestConnectionPoolDropsOnWriteError(t *testing.T) {
	pool := NewConnectionPool(1, 0, nil)
	conn := newStubConn(false)
	conn.failNext = true
	pool.Add(conn)
	pool.Broadcast([]byte("x"))
	require.Eventually(t, func() bool { return pool.IsEmpty() }, time.Second, 10*time.Millisecond)
}

func TestConnectionPoolIdleCallback(t *testing.T) {
	idle := make(chan struct{}, 1)
	pool := NewConnectionPool(1, 20*time.Millisecond, func() { idle <- struct{}{} })
	conn := newStubConn(false)
	pool.Add(conn)
	pool.Remove(conn)

	select {
	case <-idle:
	case <-time.After(time.Second):
		t.Fatal("idle callback not fired")
	}

	pool.Add(newStubConn(false))
	pool.Touch()
	select {
	case <-idle:
		t.Fatal("idle fired with a live connection")
	case <-time.After(60 * time.Millisecond):
	}
	pool.CloseAll()
	require.True(t, pool.IsEmpty())
}
