package server

import (
	"context"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/ajitpratap0/bsp-sdk-go/pkg/protocol"
)

// TargetChangeNotifier sends buildTarget/didChange
type TargetChangeNotifier interface {
	NotifyBuildTargetsChanged(changes []protocol.BuildTargetEvent) error
}

// TargetChangeBatcher collects build target events from file watchers or
// build definition reloads and sends them in batches. Events for the same
// target inside one batch are coalesced.
type TargetChangeBatcher struct {
	notifier TargetChangeNotifier
	logger   Logger
	interval time.Duration

	mu      sync.Mutex
	pending map[protocol.URI]protocol.BuildTargetEvent

	changes chan protocol.BuildTargetEvent
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// NewTargetChangeBatcher creates a batcher flushing every interval
func NewTargetChangeBatcher(notifier TargetChangeNotifier, logger Logger, interval time.Duration) *TargetChangeBatcher {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &TargetChangeBatcher{
		notifier: notifier,
		logger:   logger,
		interval: interval,
		pending:  make(map[protocol.URI]protocol.BuildTargetEvent),
		changes:  make(chan protocol.BuildTargetEvent, 100),
		done:     make(chan struct{}),
	}
}

// Start begins processing events
func (b *TargetChangeBatcher) Start(ctx context.Context) {
	b.wg.Add(1)
	go b.processChanges(ctx)
}

// Stop flushes what is pending and stops processing
func (b *TargetChangeBatcher) Stop() {
	b.once.Do(func() { close(b.done) })
	b.wg.Wait()
}

// Queue adds an event. It reports false when the queue is full and the
// event was dropped.
func (b *TargetChangeBatcher) Queue(event protocol.BuildTargetEvent) bool {
	select {
	case b.changes <- event:
		return true
	default:
		b.logger.Warn("Target change queue full, dropping event target=%s", event.Target)
		return false
	}
}

func (b *TargetChangeBatcher) processChanges(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			b.drainQueue()
			b.flush()
			return
		case event := <-b.changes:
			b.add(event)
		case <-ticker.C:
			b.flush()
		}
	}
}

func (b *TargetChangeBatcher) drainQueue() {
	for {
		select {
		case event := <-b.changes:
			b.add(event)
		default:
			return
		}
	}
}

func (b *TargetChangeBatcher) add(event protocol.BuildTargetEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev, ok := b.pending[event.Target.URI]
	if !ok {
		b.pending[event.Target.URI] = event
		return
	}
	merged, keep := coalesce(prev, event)
	if !keep {
		delete(b.pending, event.Target.URI)
		return
	}
	b.pending[event.Target.URI] = merged
}

// coalesce merges two events for one target. A target created and deleted
// within a batch produces no event.
func coalesce(prev, next protocol.BuildTargetEvent) (protocol.BuildTargetEvent, bool) {
	switch {
	case prev.Kind == protocol.BuildTargetCreated && next.Kind == protocol.BuildTargetDeleted:
		return next, false
	case prev.Kind == protocol.BuildTargetCreated:
		next.Kind = protocol.BuildTargetCreated
		return next, true
	case prev.Kind == protocol.BuildTargetDeleted && next.Kind == protocol.BuildTargetCreated:
		next.Kind = protocol.BuildTargetChanged
		return next, true
	default:
		return next, true
	}
}

func (b *TargetChangeBatcher) flush() {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	events := make([]protocol.BuildTargetEvent, 0, len(b.pending))
	for _, e := range b.pending {
		events = append(events, e)
	}
	b.pending = make(map[protocol.URI]protocol.BuildTargetEvent)
	b.mu.Unlock()

	sort.Slice(events, func(i, j int) bool { return events[i].Target.URI < events[j].Target.URI })
	if err := b.notifier.NotifyBuildTargetsChanged(events); err != nil {
		b.logger.Error("Failed to send target change notification: %v", err)
	}
}

// DiffTargets compares two workspace snapshots. Events come out in the
// order of next, followed by deletions in the order of prev.
func DiffTargets(prev, next []protocol.BuildTarget) []protocol.BuildTargetEvent {
	old := make(map[protocol.URI]protocol.BuildTarget, len(prev))
	for _, t := range prev {
		old[t.ID.URI] = t
	}

	var events []protocol.BuildTargetEvent
	seen := make(map[protocol.URI]bool, len(next))
	for _, t := range next {
		seen[t.ID.URI] = true
		before, ok := old[t.ID.URI]
		switch {
		case !ok:
			events = append(events, protocol.BuildTargetEvent{Target: t.ID, Kind: protocol.BuildTargetCreated})
		case !reflect.DeepEqual(before, t):
			events = append(events, protocol.BuildTargetEvent{Target: t.ID, Kind: protocol.BuildTargetChanged})
		}
	}
	for _, t := range prev {
		if !seen[t.ID.URI] {
			events = append(events, protocol.BuildTargetEvent{Target: t.ID, Kind: protocol.BuildTargetDeleted})
		}
	}
	return events
}
