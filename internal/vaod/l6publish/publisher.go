package l6publish

import (
	"sync"
	"sync/atomic"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/monitoring"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod"
)

// mailbox is a one-slot channel that keeps only the newest value.
type mailbox[T any] struct {
	ch   chan T
	once sync.Once
}

func newMailbox[T any]() *mailbox[T] { return &mailbox[T]{ch: make(chan T, 1)} }

// offer stores v, displacing an unread value. It reports whether a value
// was displaced. Only the publisher sends, so the loop ends in at most two
// rounds.
func (m *mailbox[T]) offer(v T) (displaced bool) {
	for {
		select {
		case m.ch <- v:
			return displaced
		default:
		}
		select {
		case <-m.ch:
			displaced = true
		default:
		}
	}
}

func (m *mailbox[T]) close() { m.once.Do(func() { close(m.ch) }) }

// Subscription receives published values. A slow reader only ever sees the
// newest value; older ones are overwritten.
type Subscription[T any] struct {
	id    uint64
	box   *mailbox[T]
	unsub func(uint64)
}

// C returns the delivery channel. It is closed by Close.
func (s *Subscription[T]) C() <-chan T { return s.box.ch }

// Close unsubscribes and closes C.
func (s *Subscription[T]) Close() { s.unsub(s.id) }

// topic fans values out to subscriber mailboxes.
type topic[T any] struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*mailbox[T]
}

func (t *topic[T]) subscribe() *Subscription[T] {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.subs == nil {
		t.subs = make(map[uint64]*mailbox[T])
	}
	t.nextID++
	box := newMailbox[T]()
	t.subs[t.nextID] = box
	return &Subscription[T]{id: t.nextID, box: box, unsub: t.unsubscribe}
}

func (t *topic[T]) unsubscribe(id uint64) {
	t.mu.Lock()
	box, ok := t.subs[id]
	delete(t.subs, id)
	t.mu.Unlock()
	if ok {
		box.close()
	}
}

// send offers v to every subscriber without blocking and returns the
// number of displaced values.
func (t *topic[T]) send(v T) (displaced int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, box := range t.subs {
		if box.offer(v) {
			displaced++
		}
	}
	return displaced
}

func (t *topic[T]) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

func (t *topic[T]) closeAll() {
	t.mu.Lock()
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()
	for _, box := range subs {
		box.close()
	}
}

// Stats counts publisher activity.
type Stats struct {
	Published   uint64
	Faults      uint64
	Overwritten uint64 // values displaced from a subscriber before it read them
	Subscribers int
}

// Publisher is the only state shared between the filter and its readers.
// Publish never blocks; Latest never observes a partially written estimate.
type Publisher struct {
	latest    atomic.Pointer[vaod.StateEstimate]
	lastFault atomic.Pointer[vaod.FaultSignal]

	states topic[vaod.StateEstimate]
	faults topic[vaod.FaultSignal]

	published   atomic.Uint64
	faultCount  atomic.Uint64
	overwritten atomic.Uint64
}

// NewPublisher returns an empty publisher.
func NewPublisher() *Publisher { return &Publisher{} }

// Publish stores a copy of est and notifies subscribers.
func (p *Publisher) Publish(est vaod.StateEstimate) {
	snap := est
	p.latest.Store(&snap)
	p.published.Add(1)
	if n := p.states.send(snap); n > 0 {
		p.overwritten.Add(uint64(n))
	}
}

// Latest returns the newest estimate, or false before the first Publish.
func (p *Publisher) Latest() (vaod.StateEstimate, bool) {
	snap := p.latest.Load()
	if snap == nil {
		return vaod.StateEstimate{}, false
	}
	return *snap, true
}

// Subscribe returns a newest-wins subscription to estimates.
func (p *Publisher) Subscribe() *Subscription[vaod.StateEstimate] { return p.states.subscribe() }

// PublishFault records a fault signal and notifies fault subscribers.
func (p *Publisher) PublishFault(f vaod.FaultSignal) {
	sig := f
	p.lastFault.Store(&sig)
	p.faultCount.Add(1)
	if n := p.faults.send(sig); n > 0 {
		p.overwritten.Add(uint64(n))
	}
	monitoring.Opsf("[l6publish] fault %s in %s (safe mode %v): %s", f.Kind, f.Stage, f.SafeMode, f.Message)
}

// LastFault returns the newest fault signal.
func (p *Publisher) LastFault() (vaod.FaultSignal, bool) {
	sig := p.lastFault.Load()
	if sig == nil {
		return vaod.FaultSignal{}, false
	}
	return *sig, true
}

// SubscribeFaults returns a newest-wins subscription to fault signals.
func (p *Publisher) SubscribeFaults() *Subscription[vaod.FaultSignal] { return p.faults.subscribe() }

// Close closes every subscription channel. Publishing after Close is
// allowed and reaches only new subscribers.
func (p *Publisher) Close() {
	p.states.closeAll()
	p.faults.closeAll()
}

// Stats returns publisher counters.
func (p *Publisher) Stats() Stats {
	return Stats{
		Published:   p.published.Load(),
		Faults:      p.faultCount.Load(),
		Overwritten: p.overwritten.Load(),
		Subscribers: p.states.len() + p.faults.len(),
	}
}
