package mailbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMailboxPreservesOrder(t *testing.T) {
	m := New[int]()
	defer m.Close()

	for i := 0; i < 1000; i++ {
		require.True(t, m.Push(i))
	}
	for i := 0; i < 1000; i++ {
		select {
		case got := <-m.Out():
			require.Equal(t, i, got)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for item %d", i)
		}
	}
}

func TestMailboxPushNeverBlocksWithoutReader(t *testing.T) {
	m := New[string]()
	defer m.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10000; i++ {
			m.Push("x")
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("push blocked without a reader")
	}
}

func TestMailboxCloseEndsOutAndRejectsPush(t *testing.T) {
	m := New[int]()
	m.Push(1)
	m.Push(2)
	m.Close()
	m.Close()

	_, ok := <-m.Out()
	require.False(t, ok, "item delivered after close")
	require.False(t, m.Push(3))
}

func TestMailboxDeliversNothingAfterClose(t *testing.T) {
	for i := 0; i < 200; i++ {
		m := New[int]()
		for j := 0; j < 10; j++ {
			m.Push(j)
		}
		require.Equal(t, 0, <-m.Out())
		m.Close()

		got, ok := <-m.Out()
		require.False(t, ok, "iteration %d: received %d after close", i, got)
	}
}
