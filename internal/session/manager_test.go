package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/user/chanbridge/internal/metrics"
	"github.com/user/chanbridge/internal/state"
)

// countingBackend wraps a MemoryBackend and counts calls.
type countingBackend struct {
	*state.MemoryBackend
	reads   atomic.Int32
	writes  atomic.Int32
	readErr error
}

func newCountingBackend() *countingBackend {
	return &countingBackend{MemoryBackend: state.NewMemoryBackend()}
}

func (c *countingBackend) Read(ctx context.Context, key string) ([]byte, error) {
	c.reads.Add(1)
	if c.readErr != nil {
		return nil, c.readErr
	}
	return c.MemoryBackend.Read(ctx, key)
}

func (c *countingBackend) Write(ctx context.Context, key string, data []byte) error {
	c.writes.Add(1)
	return c.MemoryBackend.Write(ctx, key, data)
}

func newTestManager(t *testing.T, b *countingBackend, opts ...Option) *Manager {
	t.Helper()
	return NewManager(b, opts...)
}

func TestCreateSessionIsNotCachedOrSaved(t *testing.T) {
	b := newCountingBackend()
	m := newTestManager(t, b)

	start := time.Date(2024, 10, 1, 10, 0, 0, 0, time.UTC)
	rec := m.CreateSession("C1", "T1", &start, true)

	s, ok := rec.(*EnrichedSession)
	require.True(t, ok)
	assert.Equal(t, "C1_T1.json", s.SessionID)
	assert.Equal(t, "2024-10-01T10:00:00Z", s.StartTime)
	assert.Empty(t, m.Cached())
	assert.Equal(t, int32(0), b.writes.Load())

	base := m.CreateSession("C1", "T1", nil, false)
	_, isEnriched := base.(*EnrichedSession)
	assert.False(t, isEnriched)
}

func TestGetOrCreateSessionCachesAfterFirstResolution(t *testing.T) {
	b := newCountingBackend()
	m := newTestManager(t, b)
	ctx := context.Background()

	first, err := m.GetOrCreateSession(ctx, "C1", "T1", true)
	require.NoError(t, err)
	second, err := m.GetOrCreateSession(ctx, "C1", "T1", true)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, int32(1), b.reads.Load())
}

func TestGetOrCreateSessionLoadsStored(t *testing.T) {
	b := newCountingBackend()
	ctx := context.Background()
	stored := NewEnrichedSession("C1", "T1", time.Date(2024, 10, 1, 10, 0, 0, 0, time.UTC))
	stored.AddMessage("user", "earlier")
	require.NoError(t, NewManager(b).SaveSession(ctx, stored))

	m := newTestManager(t, b)
	rec, err := m.GetOrCreateSession(ctx, "C1", "T1", true)
	require.NoError(t, err)

	s := rec.(*EnrichedSession)
	assert.Equal(t, stored.StartTime, s.StartTime)
	require.Len(t, s.Messages, 1)
	assert.Equal(t, "earlier", s.Messages[0].Content)
}

func TestGetOrCreateSessionConcurrentFirstCalls(t *testing.T) {
	b := newCountingBackend()
	m := newTestManager(t, b)
	ctx := context.Background()

	const n = 16
	results := make([]Record, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := m.GetOrCreateSession(ctx, "C1", "T1", true)
			assert.NoError(t, err)
			results[i] = rec
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Same(t, results[0], results[i])
	}
	assert.Equal(t, int32(1), b.reads.Load())
}

func TestLoadSessionMiss(t *testing.T) {
	m := newTestManager(t, newCountingBackend())
	s, err := m.LoadSession(context.Background(), "nope_nope.json")
	assert.NoError(t, err)
	assert.Nil(t, s)
}

func TestLoadSessionSurfacesBackendErrors(t *testing.T) {
	b := newCountingBackend()
	b.readErr = errors.New("disk on fire")
	m := newTestManager(t, b)

	_, err := m.LoadSession(context.Background(), "C1_T1.json")
	assert.ErrorContains(t, err, "disk on fire")

	_, err = m.GetOrCreateSession(context.Background(), "C1", "T1", true)
	assert.Error(t, err)
}

func TestLoadSessionMalformedIsFatal(t *testing.T) {
	b := newCountingBackend()
	ctx := context.Background()
	require.NoError(t, b.MemoryBackend.Write(ctx, "C1_T1.json", []byte(`{"session_id":`)))
	m := newTestManager(t, b)

	_, err := m.LoadSession(ctx, "C1_T1.json")
	assert.Error(t, err)
	assert.Empty(t, m.Cached())
}

func TestAddUserInteractionSaves(t *testing.T) {
	b := newCountingBackend()
	m := newTestManager(t, b)
	ctx := context.Background()

	s := m.CreateSession("C1", "T1", nil, true).(*EnrichedSession)
	s.Messages = []Message{{Role: "assistant", Content: "Hello!"}}

	require.NoError(t, m.AddUserInteractionToMessage(ctx, s, 0, Interaction{"message": "X"}))
	assert.Equal(t, int32(1), b.writes.Load())

	loaded, err := newTestManager(t, b).LoadSession(ctx, "C1_T1.json")
	require.NoError(t, err)
	assert.Equal(t, "X", loaded.Messages[0].UserInteractions[0]["message"])

	err = m.AddUserInteractionToMessage(ctx, s, 5, Interaction{"message": "Y"})
	assert.ErrorIs(t, err, ErrMessageIndex)
	assert.Equal(t, int32(1), b.writes.Load())
}

func TestWithSessionSerializesUpdates(t *testing.T) {
	b := newCountingBackend()
	m := newTestManager(t, b)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.WithSession(ctx, "C1", "T1", func(s *EnrichedSession) error {
				s.AddMessage("user", "hi")
				s.AccumulateCost(Cost{TotalTokens: 2})
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	loaded, err := newTestManager(t, b).LoadSession(ctx, "C1_T1.json")
	require.NoError(t, err)
	assert.Len(t, loaded.Messages, 25)
	assert.Equal(t, int64(50), loaded.TotalCost.TotalTokens)
}

func TestWithSessionErrorSkipsSave(t *testing.T) {
	b := newCountingBackend()
	m := newTestManager(t, b)

	err := m.WithSession(context.Background(), "C1", "T1", func(*EnrichedSession) error {
		return errors.New("behavior failed")
	})
	assert.Error(t, err)
	assert.Equal(t, int32(0), b.writes.Load())
}

func TestEndSessionPersists(t *testing.T) {
	b := newCountingBackend()
	start := time.Date(2024, 10, 1, 10, 0, 0, 0, time.UTC)
	now := start
	m := newTestManager(t, b, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	_, err := m.GetOrCreateSession(ctx, "C1", "T1", true)
	require.NoError(t, err)
	now = start.Add(30 * time.Minute)

	ended, err := m.EndSession(ctx, "C1_T1.json")
	require.NoError(t, err)
	require.NotNil(t, ended)
	assert.Equal(t, int64(1800000), ended.Base().TotalTimeMS)
	assert.Empty(t, m.Cached())

	loaded, err := newTestManager(t, b).LoadSession(ctx, "C1_T1.json")
	require.NoError(t, err)
	assert.Equal(t, int64(1800000), loaded.TotalTimeMS)
	assert.NotNil(t, loaded.EndTime)

	archived, err := newTestManager(t, b).LoadSession(ctx, "C1_T1.20241001T103000.000Z.json")
	require.NoError(t, err)
	require.NotNil(t, archived)
	assert.Equal(t, "C1_T1.20241001T103000.000Z.json", archived.SessionID)
	assert.Equal(t, *loaded.EndTime, *archived.EndTime)

	missing, err := m.EndSession(ctx, "C9_T9.json")
	assert.NoError(t, err)
	assert.Nil(t, missing)
}

func TestEndSessionTwiceKeepsFirstEnd(t *testing.T) {
	b := newCountingBackend()
	start := time.Date(2024, 10, 1, 10, 0, 0, 0, time.UTC)
	now := start
	m := newTestManager(t, b, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	_, err := m.GetOrCreateSession(ctx, "C1", "T1", true)
	require.NoError(t, err)
	now = start.Add(time.Minute)
	first, err := m.EndSession(ctx, "C1_T1.json")
	require.NoError(t, err)

	now = start.Add(time.Hour)
	second, err := m.EndSession(ctx, "C1_T1.json")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, *first.Base().EndTime, *second.Base().EndTime)
}

func TestMessageAfterEndStartsNewSession(t *testing.T) {
	b := newCountingBackend()
	start := time.Date(2024, 10, 1, 10, 0, 0, 0, time.UTC)
	now := start
	m := newTestManager(t, b, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	require.NoError(t, m.WithSession(ctx, "C1", "T1", func(s *EnrichedSession) error {
		s.AddMessage("user", "before")
		return nil
	}))
	now = start.Add(10 * time.Minute)
	_, err := m.EndSession(ctx, "C1_T1.json")
	require.NoError(t, err)

	now = start.Add(20 * time.Minute)
	require.NoError(t, m.WithSession(ctx, "C1", "T1", func(s *EnrichedSession) error {
		assert.False(t, s.Ended())
		assert.Empty(t, s.Messages)
		s.AddMessage("user", "after")
		return nil
	}))

	live, err := newTestManager(t, b).LoadSession(ctx, "C1_T1.json")
	require.NoError(t, err)
	assert.Nil(t, live.EndTime)
	assert.Equal(t, "2024-10-01T10:20:00Z", live.StartTime)
	require.Len(t, live.Messages, 1)
	assert.Equal(t, "after", live.Messages[0].Content)

	archived, err := newTestManager(t, b).LoadSession(ctx, "C1_T1.20241001T101000.000Z.json")
	require.NoError(t, err)
	require.NotNil(t, archived)
	require.Len(t, archived.Messages, 1)
	assert.Equal(t, "before", archived.Messages[0].Content)
}

func TestEndedStoredSessionIsArchivedOnNextResolve(t *testing.T) {
	b := newCountingBackend()
	ctx := context.Background()
	stored := NewEnrichedSession("C1", "T1", time.Date(2024, 10, 1, 10, 0, 0, 0, time.UTC))
	stored.AddMessage("user", "old")
	stored.EndSessionAt(time.Date(2024, 10, 1, 11, 0, 0, 0, time.UTC))
	require.NoError(t, NewManager(b).SaveSession(ctx, stored))

	m := newTestManager(t, b)
	rec, err := m.GetOrCreateSession(ctx, "C1", "T1", true)
	require.NoError(t, err)
	assert.False(t, rec.Base().Ended())
	assert.Empty(t, rec.(*EnrichedSession).Messages)

	archived, err := m.Lookup(ctx, "C1_T1.20241001T110000.000Z.json")
	require.NoError(t, err)
	require.NotNil(t, archived)
	assert.Len(t, archived.(*EnrichedSession).Messages, 1)
}

func TestLookupReturnsCopy(t *testing.T) {
	m := newTestManager(t, newCountingBackend())
	ctx := context.Background()

	require.NoError(t, m.WithSession(ctx, "C1", "T1", func(s *EnrichedSession) error {
		s.AddMessage("user", "hi")
		return nil
	}))

	rec, err := m.Lookup(ctx, "C1_T1.json")
	require.NoError(t, err)
	rec.(*EnrichedSession).AddMessage("user", "not saved")

	live, err := m.GetOrCreateSession(ctx, "C1", "T1", true)
	require.NoError(t, err)
	assert.NotSame(t, live, rec)
	assert.Len(t, live.(*EnrichedSession).Messages, 1)
}

func TestLookupDoesNotCache(t *testing.T) {
	b := newCountingBackend()
	now := time.Date(2024, 10, 1, 10, 0, 0, 0, time.UTC)
	ctx := context.Background()
	require.NoError(t, NewManager(b).SaveSession(ctx, NewEnrichedSession("C1", "T1", now)))

	m := newTestManager(t, b, WithClock(func() time.Time { return now }))
	rec, err := m.Lookup(ctx, "C1_T1.json")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Empty(t, m.Cached())

	now = now.Add(24 * time.Hour)
	n, err := m.ReapIdle(ctx, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)

	stored, err := m.Lookup(ctx, "C1_T1.json")
	require.NoError(t, err)
	assert.False(t, stored.Base().Ended())
}

func TestChannelIDWithSlash(t *testing.T) {
	b := newCountingBackend()
	m := newTestManager(t, b)
	ctx := context.Background()

	require.NoError(t, m.WithSession(ctx, "team/general", "T1", func(s *EnrichedSession) error {
		s.AddMessage("user", "hi")
		return nil
	}))

	rec, err := newTestManager(t, b).Lookup(ctx, "team/general_T1.json")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "team/general", rec.Base().ChannelID)
}

// Reads and ends racing with updates must neither corrupt history nor
// trip the race detector.
func TestConcurrentReadsAndEndsWithUpdates(t *testing.T) {
	b := newCountingBackend()
	// Each reading of the clock moves it a second, so archive keys never collide.
	var tick atomic.Int64
	base := time.Date(2024, 10, 1, 10, 0, 0, 0, time.UTC)
	m := newTestManager(t, b, WithClock(func() time.Time {
		return base.Add(time.Duration(tick.Add(1)) * time.Second)
	}))
	ctx := context.Background()

	const writers = 8
	const rounds = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				err := m.WithSession(ctx, "C1", "T1", func(s *EnrichedSession) error {
					s.AddMessage("user", "hi")
					s.AccumulateCost(Cost{TotalTokens: 1})
					return nil
				})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		for j := 0; j < rounds; j++ {
			rec, err := m.Lookup(ctx, "C1_T1.json")
			assert.NoError(t, err)
			if rec != nil {
				_, err = json.Marshal(rec)
				assert.NoError(t, err)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for j := 0; j < rounds/4; j++ {
			_, err := m.EndSession(ctx, "C1_T1.json")
			assert.NoError(t, err)
		}
	}()
	wg.Wait()

	// Every message landed in exactly one stored session.
	ids, err := m.ListSessions(ctx)
	require.NoError(t, err)
	total := 0
	for _, id := range ids {
		rec, err := m.Lookup(ctx, id)
		require.NoError(t, err)
		s := rec.(*EnrichedSession)
		assert.Equal(t, int64(len(s.Messages)), s.TotalCost.TotalTokens)
		if id == "C1_T1.json" && s.Ended() {
			// The live key mirrors its archive.
			continue
		}
		total += len(s.Messages)
	}
	assert.Equal(t, writers*rounds, total)
}

func TestLocksAreReleasedAfterUse(t *testing.T) {
	m := newTestManager(t, newCountingBackend())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, m.WithSession(ctx, "C1", string(rune('a'+i)), func(*EnrichedSession) error { return nil }))
		_, err := m.Lookup(ctx, "C1_x.json")
		require.NoError(t, err)
	}
	assert.Zero(t, m.locks.Len())
}

func TestTimeErrorsAreCounted(t *testing.T) {
	reader := sdkReader(t)
	m := newTestManager(t, newCountingBackend(), WithRecorder(reader.recorder))

	rec := m.CreateSession("C1", "T1", nil, true)
	rec.Base().StartTime = "garbage"
	rec.Base().EndSession()

	assert.Equal(t, int64(1), reader.sum(t, "chanbridge_session_time_errors_total"))
}

func TestReapIdle(t *testing.T) {
	b := newCountingBackend()
	now := time.Date(2024, 10, 1, 10, 0, 0, 0, time.UTC)
	m := newTestManager(t, b, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	_, err := m.GetOrCreateSession(ctx, "C1", "old", true)
	require.NoError(t, err)
	now = now.Add(time.Hour)
	_, err = m.GetOrCreateSession(ctx, "C1", "fresh", true)
	require.NoError(t, err)

	n, err := m.ReapIdle(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"C1_fresh.json"}, m.Cached())

	stored, err := newTestManager(t, b).LoadSession(ctx, "C1_old.json")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.NotNil(t, stored.EndTime)
	assert.Equal(t, int64(time.Hour/time.Millisecond), stored.TotalTimeMS)
}

func TestListSessionsAndLookup(t *testing.T) {
	b := newCountingBackend()
	m := newTestManager(t, b)
	ctx := context.Background()

	require.NoError(t, m.WithSession(ctx, "C1", "T1", func(s *EnrichedSession) error {
		s.AddMessage("user", "hi")
		return nil
	}))

	ids, err := m.ListSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"C1_T1.json"}, ids)

	fresh := newTestManager(t, b)
	rec, err := fresh.Lookup(ctx, "C1_T1.json")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Len(t, rec.(*EnrichedSession).Messages, 1)

	missing, err := fresh.Lookup(ctx, "C9_T9.json")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

type testReader struct {
	reader   *sdkmetric.ManualReader
	recorder *metrics.Recorder
}

func sdkReader(t *testing.T) *testReader {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	rec, err := metrics.New(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	require.NoError(t, err)
	return &testReader{reader: reader, recorder: rec}
}

func (r *testReader) sum(t *testing.T, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, r.reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if data, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range data.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestEvictKeepsStoredCopy(t *testing.T) {
	b := newCountingBackend()
	m := newTestManager(t, b)
	ctx := context.Background()

	require.NoError(t, m.WithSession(ctx, "C1", "T1", func(s *EnrichedSession) error {
		s.AddMessage("user", "hi")
		return nil
	}))
	m.Evict("C1_T1.json")
	assert.Empty(t, m.Cached())

	rec, err := m.GetOrCreateSession(ctx, "C1", "T1", true)
	require.NoError(t, err)
	assert.Len(t, rec.(*EnrichedSession).Messages, 1)
}
