package realtime

import (
	"sync"
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeSink struct {
	mu     sync.Mutex
	frames [][]byte
	full   bool
}

func (f *fakeSink) Send(frame []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return false
	}
	f.frames = append(f.frames, frame)
	return true
}

func (f *fakeSink) got() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.frames...)
}

func TestHub_LastBindWins(t *testing.T) {
	t.Parallel()
	h := NewHub(zaptest.NewLogger(t))
	id := uuid.Must(uuid.NewV4())
	old, cur := &fakeSink{}, &fakeSink{}

	h.Bind(id, old)
	h.Bind(id, cur)
	require.True(t, h.Push(id, []byte("x")))
	require.Empty(t, old.got())
	require.Len(t, cur.got(), 1)

	// stale connection closing must not unbind its successor
	require.False(t, h.Unbind(id, old))
	require.True(t, h.Online(id))

	require.True(t, h.Unbind(id, cur))
	require.False(t, h.Online(id))
	require.False(t, h.Push(id, []byte("y")))
	require.Zero(t, h.Count())
}

func TestHub_PushReportsFullSink(t *testing.T) {
	t.Parallel()
	h := NewHub(nil)
	id := uuid.Must(uuid.NewV4())
	h.Bind(id, &fakeSink{full: true})
	require.False(t, h.Push(id, []byte("x")))
	require.Equal(t, 1, h.Count())
}

func TestHub_Concurrent(t *testing.T) {
	t.Parallel()
	h := NewHub(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := uuid.Must(uuid.NewV4())
			s := &fakeSink{}
			h.Bind(id, s)
			h.Push(id, []byte("x"))
			h.Unbind(id, s)
		}()
	}
	wg.Wait()
	require.Zero(t, h.Count())
}
