// Package debounce coalesces bursts of inbound messages per lead and hands
// the accumulated batch off once the lead has been quiet for a full window.
package debounce

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/model"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/observer"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/pkg/logger"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/pkg/utils"
)

// DefaultWindow is the quiet period after the last message of a burst.
const DefaultWindow = 25 * time.Second

// FlushFunc receives every message buffered for a lead, in arrival order.
type FlushFunc func(leadID string, messages []model.InboundMessage)

// Buffer accumulates messages per lead until the lead goes quiet.
// Implementations backed by a durable delayed queue can replace MemoryBuffer.
type Buffer interface {
	Add(leadID string, msg model.InboundMessage)
	Pending(leadID string) int
	Len() int
	Stop()
}

// Options configure a MemoryBuffer.
type Options struct {
	Window time.Duration
	// FlushOnStop hands pending entries off synchronously in Stop instead of
	// discarding them.
	FlushOnStop bool
	Clock       Clock
}

type entry struct {
	messages []model.InboundMessage
	timer    Timer
	gen      uint64
}

func (e *entry) holds(providerMessageID string) bool {
	if providerMessageID == "" {
		return false
	}
	for _, m := range e.messages {
		if m.ProviderMessageID == providerMessageID {
			return true
		}
	}
	return false
}

// MemoryBuffer is an in-process Buffer keyed by lead id. Each Add re-arms
// the lead's timer; when a timer fires the entry is removed before the
// batch is handed to the FlushFunc.
type MemoryBuffer struct {
	mu          sync.Mutex
	entries     map[string]*entry
	window      time.Duration
	flush       FlushFunc
	clock       Clock
	flushOnStop bool
	stopped     bool
}

// NewMemoryBuffer creates a buffer that calls flush after opts.Window of quiet per lead.
func NewMemoryBuffer(flush FlushFunc, opts Options) *MemoryBuffer {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Clock == nil {
		opts.Clock = RealClock()
	}
	return &MemoryBuffer{
		entries:     make(map[string]*entry),
		window:      opts.Window,
		flush:       flush,
		clock:       opts.Clock,
		flushOnStop: opts.FlushOnStop,
	}
}

// Add appends msg to the lead's batch and restarts its window.
func (b *MemoryBuffer) Add(leadID string, msg model.InboundMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		logger.Log.Warn("Debounce buffer stopped, dropping message",
			zap.String("lead_id", leadID),
			zap.String("provider_message_id", msg.ProviderMessageID),
		)
		return
	}

	e, ok := b.entries[leadID]
	if !ok {
		e = &entry{}
		b.entries[leadID] = e
	}
	if e.holds(msg.ProviderMessageID) {
		logger.Log.Debug("Redelivered message already buffered",
			zap.String("lead_id", leadID),
			zap.String("provider_message_id", msg.ProviderMessageID),
		)
		return
	}
	e.messages = append(e.messages, msg)
	if e.timer != nil {
		e.timer.Stop()
	}
	e.gen++
	gen := e.gen
	e.timer = b.clock.AfterFunc(b.window, func() { b.fire(leadID, gen) })

	observer.IncDebounceBuffered()
	observer.SetDebouncePendingLeads(len(b.entries))
}

// fire flushes the entry if it still belongs to generation gen. A timer that
// lost the race with a later Add finds a newer generation and does nothing.
func (b *MemoryBuffer) fire(leadID string, gen uint64) {
	b.mu.Lock()
	e, ok := b.entries[leadID]
	if !ok || e.gen != gen {
		b.mu.Unlock()
		return
	}
	delete(b.entries, leadID)
	pending := len(b.entries)
	b.mu.Unlock()

	observer.SetDebouncePendingLeads(pending)
	b.handOff(leadID, e.messages)
}

func (b *MemoryBuffer) handOff(leadID string, messages []model.InboundMessage) {
	defer utils.RecoverWithLog(context.Background(), "debounce flush "+leadID)

	observer.IncDebounceFlushes()
	logger.Log.Debug("Flushing debounced messages",
		zap.String("lead_id", leadID),
		zap.Int("count", len(messages)),
	)
	b.flush(leadID, messages)
}

// Pending returns how many messages are buffered for leadID.
func (b *MemoryBuffer) Pending(leadID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[leadID]; ok {
		return len(e.messages)
	}
	return 0
}

// Len returns the number of leads with buffered messages.
func (b *MemoryBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Stop cancels every timer. With FlushOnStop the pending batches are handed
// off before Stop returns. Later Adds are dropped.
func (b *MemoryBuffer) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	pending := b.entries
	b.entries = make(map[string]*entry)
	for _, e := range pending {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	b.mu.Unlock()

	observer.SetDebouncePendingLeads(0)
	if !b.flushOnStop {
		if len(pending) > 0 {
			logger.Log.Warn("Debounce buffer stopped with pending leads", zap.Int("leads", len(pending)))
		}
		return
	}

	leadIDs := make([]string, 0, len(pending))
	for id := range pending {
		leadIDs = append(leadIDs, id)
	}
	sort.Strings(leadIDs)
	for _, id := range leadIDs {
		b.handOff(id, pending[id].messages)
	}
}

var _ Buffer = (*MemoryBuffer)(nil)
