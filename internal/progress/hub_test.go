package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  int
	err     error
}

func (s *recordingSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, batch)
	return s.err
}

func (s *recordingSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *recordingSink) snapshot() ([][]Event, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]Event(nil), s.batches...), s.closed
}

func (s *recordingSink) total() int {
	batches, _ := s.snapshot()
	n := 0
	for _, b := range batches {
		n += len(b)
	}
	return n
}

func fetched(url string) Event {
	return Event{
		JobID:       "job-1",
		At:          time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		Stage:       StagePageFetched,
		Domain:      "docs.example.com",
		URL:         url,
		StatusClass: Status2xx,
		Bytes:       512,
	}
}

func closeHub(t *testing.T, h *Hub) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.Close(ctx))
}

func TestHubFlushesFullBatch(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	h := NewHub(Config{BatchSize: 2, FlushInterval: time.Hour}, sink)
	defer closeHub(t, h)

	h.Emit(fetched("https://docs.example.com/a"))
	h.Emit(fetched("https://docs.example.com/b"))
	require.Eventually(t, func() bool {
		batches, _ := sink.snapshot()
		return len(batches) == 1 && len(batches[0]) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestHubFlushesOnInterval(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	h := NewHub(Config{BatchSize: 50, FlushInterval: 10 * time.Millisecond}, sink)
	defer closeHub(t, h)

	h.Emit(fetched("https://docs.example.com/a"))
	require.Eventually(t, func() bool { return sink.total() == 1 }, time.Second, 5*time.Millisecond)
}

func TestHubCloseDrainsAndClosesSinks(t *testing.T) {
	t.Parallel()

	first, second := &recordingSink{}, &recordingSink{err: errors.New("broker down")}
	h := NewHub(Config{BatchSize: 100, FlushInterval: time.Hour}, first, nil, second)
	for i := 0; i < 5; i++ {
		h.Emit(fetched("https://docs.example.com/page"))
	}
	closeHub(t, h)
	closeHub(t, h)

	for _, sink := range []*recordingSink{first, second} {
		require.Equal(t, 5, sink.total())
		_, closed := sink.snapshot()
		require.Equal(t, 1, closed)
	}

	h.Emit(fetched("https://docs.example.com/late"))
	require.Equal(t, 5, first.total())
}

func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	h := NewHub(Config{BatchSize: 1}, sink)
	bad := fetched("https://docs.example.com/a")
	bad.JobID = ""
	h.Emit(bad)
	h.Emit(Event{JobID: "job-1", At: time.Now(), Stage: "page.exploded", Domain: "x"})
	closeHub(t, h)
	require.Zero(t, sink.total())
}

func TestHubEmitDropsWhenBufferFull(t *testing.T) {
	t.Parallel()

	h := &Hub{events: make(chan Event), logger: zap.NewNop()}
	start := time.Now()
	h.Emit(fetched("https://docs.example.com/a"))
	h.Emit(fetched("https://docs.example.com/b"))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.EqualValues(t, 2, h.Dropped())
}

func TestNilHubIsSafe(t *testing.T) {
	t.Parallel()

	var h *Hub
	h.Emit(fetched("https://docs.example.com/a"))
	require.Zero(t, h.Dropped())
	require.NoError(t, h.Close(context.Background()))
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	ok := fetched("https://docs.example.com/a")
	require.NoError(t, ok.Validate())

	skipped := ok
	skipped.Stage = StagePageSkipped
	skipped.StatusClass = ""
	require.NoError(t, skipped.Validate())

	for name, mutate := range map[string]func(*Event){
		"no job":       func(e *Event) { e.JobID = "" },
		"no time":      func(e *Event) { e.At = time.Time{} },
		"no domain":    func(e *Event) { e.Domain = "" },
		"no class":     func(e *Event) { e.StatusClass = "" },
		"bad stage":    func(e *Event) { e.Stage = "page.lost" },
		"negative dur": func(e *Event) { e.Latency = -time.Second },
	} {
		evt := ok
		mutate(&evt)
		require.Error(t, evt.Validate(), name)
	}
}

func TestEventAttributes(t *testing.T) {
	t.Parallel()

	require.Equal(t, map[string]string{
		"type":   "page.fetched",
		"job_id": "job-1",
		"domain": "docs.example.com",
	}, fetched("https://docs.example.com/a").Attributes())
}

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	require.Equal(t, Status2xx, ClassifyStatus(200))
	require.Equal(t, Status3xx, ClassifyStatus(301))
	require.Equal(t, Status4xx, ClassifyStatus(404))
	require.Equal(t, Status5xx, ClassifyStatus(503))
	require.Equal(t, StatusOther, ClassifyStatus(0))
}
