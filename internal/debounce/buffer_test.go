package debounce

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/model"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/pkg/logger"
)

// fakeClock fires timers synchronously from Advance.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	wasActive := !t.stopped && !t.fired
	t.stopped = true
	return wasActive
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.f()
	}
}

type flushRecorder struct {
	mu      sync.Mutex
	batches map[string][][]model.InboundMessage
}

func newRecorder() *flushRecorder {
	return &flushRecorder{batches: map[string][][]model.InboundMessage{}}
}

func (r *flushRecorder) flush(leadID string, msgs []model.InboundMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches[leadID] = append(r.batches[leadID], msgs)
}

func (r *flushRecorder) count(leadID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches[leadID])
}

func setupLogger(t *testing.T) *observer.ObservedLogs {
	core, logs := observer.New(zapcore.DebugLevel)
	prev := logger.Log
	logger.Log = zap.New(core)
	t.Cleanup(func() { logger.Log = prev })
	return logs
}

func msg(text string) model.InboundMessage {
	m := model.NewInboundMessage("pnid", "5511999990000")
	m.Text = text
	return m
}

// Three messages within five seconds flush once, a full window after the last.
func TestMemoryBuffer_CoalescesBurst(t *testing.T) {
	setupLogger(t)
	clock := newFakeClock()
	rec := newRecorder()
	buf := NewMemoryBuffer(rec.flush, Options{Window: 25 * time.Second, Clock: clock})

	buf.Add("lead-x", msg("one"))
	clock.Advance(2 * time.Second)
	buf.Add("lead-x", msg("two"))
	clock.Advance(3 * time.Second)
	buf.Add("lead-x", msg("three"))
	assert.Equal(t, 3, buf.Pending("lead-x"))

	// 25s after the first message, but only 20s after the last.
	clock.Advance(20 * time.Second)
	assert.Equal(t, 0, rec.count("lead-x"))
	assert.Equal(t, 3, buf.Pending("lead-x"))

	clock.Advance(5 * time.Second)
	require.Equal(t, 1, rec.count("lead-x"))
	batch := rec.batches["lead-x"][0]
	require.Len(t, batch, 3)
	assert.Equal(t, "one", batch[0].Text)
	assert.Equal(t, "two", batch[1].Text)
	assert.Equal(t, "three", batch[2].Text)
	assert.Equal(t, 0, buf.Len())
}

func TestMemoryBuffer_KeysAreIndependent(t *testing.T) {
	setupLogger(t)
	clock := newFakeClock()
	rec := newRecorder()
	buf := NewMemoryBuffer(rec.flush, Options{Window: 10 * time.Second, Clock: clock})

	buf.Add("a", msg("a1"))
	clock.Advance(5 * time.Second)
	buf.Add("b", msg("b1"))
	assert.Equal(t, 2, buf.Len())

	clock.Advance(5 * time.Second)
	assert.Equal(t, 1, rec.count("a"))
	assert.Equal(t, 0, rec.count("b"))

	clock.Advance(5 * time.Second)
	assert.Equal(t, 1, rec.count("b"))
}

func TestMemoryBuffer_StaleTimerDoesNotFlush(t *testing.T) {
	setupLogger(t)
	clock := newFakeClock()
	rec := newRecorder()
	buf := NewMemoryBuffer(rec.flush, Options{Window: 10 * time.Second, Clock: clock})

	buf.Add("lead", msg("first"))
	stale := clock.timers[0]
	buf.Add("lead", msg("second"))

	// A timer that already left Stop's reach still runs its callback.
	stale.f()
	assert.Equal(t, 0, rec.count("lead"))
	assert.Equal(t, 2, buf.Pending("lead"))
}

func TestMemoryBuffer_PanicInFlushIsRecovered(t *testing.T) {
	logs := setupLogger(t)
	clock := newFakeClock()
	calls := 0
	buf := NewMemoryBuffer(func(string, []model.InboundMessage) {
		calls++
		panic("downstream exploded")
	}, Options{Window: time.Second, Clock: clock})

	buf.Add("lead", msg("hi"))
	assert.NotPanics(t, func() { clock.Advance(time.Second) })
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, buf.Len(), "entry must be gone even though hand-off failed")
	assert.Equal(t, 1, logs.FilterMessage("[panic] Recovered from panic").Len())

	// The lead keeps working afterwards.
	buf.Add("lead", msg("again"))
	clock.Advance(time.Second)
	assert.Equal(t, 2, calls)
}

func TestMemoryBuffer_StopFlushesPending(t *testing.T) {
	setupLogger(t)
	clock := newFakeClock()
	rec := newRecorder()
	buf := NewMemoryBuffer(rec.flush, Options{Window: time.Minute, Clock: clock, FlushOnStop: true})

	buf.Add("a", msg("a1"))
	buf.Add("b", msg("b1"))
	buf.Stop()

	assert.Equal(t, 1, rec.count("a"))
	assert.Equal(t, 1, rec.count("b"))
	assert.Equal(t, 0, buf.Len())

	// Timers were cancelled.
	clock.Advance(time.Hour)
	assert.Equal(t, 1, rec.count("a"))
}

func TestMemoryBuffer_StopWithoutFlushDropsAndRejects(t *testing.T) {
	logs := setupLogger(t)
	clock := newFakeClock()
	rec := newRecorder()
	buf := NewMemoryBuffer(rec.flush, Options{Window: time.Minute, Clock: clock})

	buf.Add("a", msg("a1"))
	buf.Stop()
	buf.Add("a", msg("late"))

	assert.Equal(t, 0, rec.count("a"))
	assert.Equal(t, 0, buf.Len())
	assert.Equal(t, 1, logs.FilterMessage("Debounce buffer stopped, dropping message").Len())
}

func TestNewMemoryBuffer_Defaults(t *testing.T) {
	buf := NewMemoryBuffer(func(string, []model.InboundMessage) {}, Options{})
	assert.Equal(t, DefaultWindow, buf.window)
	assert.NotNil(t, buf.clock)
}

// A redelivered wamid is buffered once and does not re-arm the window.
func TestMemoryBuffer_IgnoresRedeliveredMessage(t *testing.T) {
	setupLogger(t)
	clock := newFakeClock()
	rec := newRecorder()
	buf := NewMemoryBuffer(rec.flush, Options{Window: 25 * time.Second, Clock: clock})
	first := msg("hello")

	buf.Add("lead-x", first)
	clock.Advance(20 * time.Second)
	buf.Add("lead-x", first)
	assert.Equal(t, 1, buf.Pending("lead-x"))

	clock.Advance(5 * time.Second)
	require.Equal(t, 1, rec.count("lead-x"))
	assert.Len(t, rec.batches["lead-x"][0], 1)
}
