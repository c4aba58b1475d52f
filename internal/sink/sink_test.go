package sink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentpulse/agentpulse/internal/model"
)

type recordingSender struct {
	mu      sync.Mutex
	batches [][]model.TelemetryRecord
	fail    error
}

func (r *recordingSender) Send(_ context.Context, recs []model.TelemetryRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.batches = append(r.batches, append([]model.TelemetryRecord(nil), recs...))
	return nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.batches {
		n += len(b)
	}
	return n
}

func rec(m string) model.TelemetryRecord {
	return model.TelemetryRecord{Model: m}
}

func TestSink_ShouldFlush(t *testing.T) {
	s := New(&recordingSender{}, Options{BatchSize: 3, Interval: time.Minute})
	start := s.lastSend

	assert.False(t, s.ShouldFlush(start.Add(time.Hour)), "empty buffer never flushes")

	s.Add(rec("a"))
	assert.False(t, s.ShouldFlush(start.Add(time.Second)))
	assert.True(t, s.ShouldFlush(start.Add(time.Minute)), "interval elapsed with data")

	s.Add(rec("b"))
	s.Add(rec("c"))
	assert.True(t, s.ShouldFlush(start), "batch size reached")
}

func TestSink_FlushSendsAndClears(t *testing.T) {
	snd := &recordingSender{}
	var hooked []model.TelemetryRecord
	s := New(snd, Options{OnSent: func(b []model.TelemetryRecord) { hooked = append(hooked, b...) }})

	s.Add(rec("a"))
	s.Add(rec("b"))
	require.NoError(t, s.Flush(context.Background()))

	assert.Equal(t, 0, s.Len())
	require.Len(t, snd.batches, 1)
	assert.Equal(t, []model.TelemetryRecord{rec("a"), rec("b")}, snd.batches[0])
	assert.Len(t, hooked, 2)
	assert.Equal(t, 2, s.Stats().Sent)

	require.NoError(t, s.Flush(context.Background()), "empty flush is a no-op")
	assert.Len(t, snd.batches, 1)
}

func TestSink_FailedFlushPrependsBatch(t *testing.T) {
	snd := &recordingSender{fail: errors.New("collector down")}
	s := New(snd, Options{})

	s.Add(rec("a"))
	s.Add(rec("b"))
	err := s.Flush(context.Background())
	require.Error(t, err)

	s.Add(rec("c"))
	st := s.Stats()
	assert.Equal(t, 3, st.Buffered)
	assert.Equal(t, 1, st.Errors)
	assert.Equal(t, "collector down", st.LastErr)

	snd.fail = nil
	require.NoError(t, s.Flush(context.Background()))
	require.Len(t, snd.batches, 1)
	assert.Equal(t, []model.TelemetryRecord{rec("a"), rec("b"), rec("c")}, snd.batches[0])
}

func TestSink_CapacityDropsOldest(t *testing.T) {
	s := New(&recordingSender{}, Options{BatchSize: 2, Capacity: 3})
	for _, m := range []string{"1", "2", "3", "4", "5"} {
		s.Add(rec(m))
	}
	st := s.Stats()
	assert.Equal(t, 3, st.Buffered)
	assert.Equal(t, 2, st.Dropped)

	snd := s.sender.(*recordingSender)
	require.NoError(t, s.Flush(context.Background()))
	assert.Equal(t, []model.TelemetryRecord{rec("3"), rec("4"), rec("5")}, snd.batches[0])
}

func TestSink_ConcurrentAdds(t *testing.T) {
	snd := &recordingSender{}
	s := New(snd, Options{BatchSize: 10, Interval: time.Hour})
	ctx := context.Background()
	s.Start(ctx)

	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				s.Add(rec(string(rune('a'+g)) + string(rune('0'+i%10))))
			}
		}()
	}
	wg.Wait()
	require.NoError(t, s.Close(ctx))

	assert.Equal(t, 400, snd.count())
	assert.Equal(t, 0, s.Len())
}

func TestSink_StartFlushesOnBatchSize(t *testing.T) {
	snd := &recordingSender{}
	s := New(snd, Options{BatchSize: 2, Interval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	s.Add(rec("a"))
	s.Add(rec("b"))
	assert.Eventually(t, func() bool { return snd.count() == 2 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, s.Close(context.Background()))
}

func TestSink_CloseWithoutStartFlushes(t *testing.T) {
	snd := &recordingSender{}
	s := New(snd, Options{})
	s.Add(rec("a"))
	require.NoError(t, s.Close(context.Background()))
	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, 1, snd.count())
}

func TestSenderFunc(t *testing.T) {
	called := 0
	var f Sender = SenderFunc(func(_ context.Context, recs []model.TelemetryRecord) error {
		called += len(recs)
		return nil
	})
	require.NoError(t, f.Send(context.Background(), []model.TelemetryRecord{rec("x")}))
	assert.Equal(t, 1, called)
}
