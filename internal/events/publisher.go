// ABOUTME: Ordered fan-out of status events to independent subscribers
// ABOUTME: Position updates are rate-limited with a trailing flush
package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultRate is the maximum position updates per second
const DefaultRate = 4

// Publisher owns the current Snapshot and distributes events
type Publisher struct {
	logger   *zap.SugaredLogger
	interval time.Duration
	now      func() time.Time

	mu           sync.Mutex
	snapshot     Snapshot
	seq          uint64
	subs         map[*Subscription]struct{}
	pending      *Event
	lastPosition time.Time
	timer        *time.Timer
	closed       bool
}

// NewPublisher creates a publisher delivering at most rate position
// updates per second
func NewPublisher(rate int, logger *zap.SugaredLogger) *Publisher {
	if rate <= 0 {
		rate = DefaultRate
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Publisher{
		logger:   logger.Named("events"),
		interval: time.Second / time.Duration(rate),
		now:      time.Now,
		subs:     make(map[*Subscription]struct{}),
	}
}

// Snapshot returns a copy of the current snapshot
func (p *Publisher) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshot
}

// Update applies fn to a copy of the snapshot, bumps its version and
// publishes it as a kind event
func (p *Publisher) Update(kind Kind, fn func(*Snapshot)) Snapshot {
	return p.Apply(Event{Kind: kind}, fn)
}

// Apply is Update for events that carry more than a kind, such as a
// state transition or an error
func (p *Publisher) Apply(ev Event, fn func(*Snapshot)) Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := p.snapshot
	if fn != nil {
		fn(&next)
	}
	next.Version = p.snapshot.Version + 1
	p.snapshot = next

	p.publishLocked(ev)
	return next
}

// Publish sends a discrete event carrying the current snapshot
func (p *Publisher) Publish(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.publishLocked(ev)
}

func (p *Publisher) publishLocked(ev Event) {
	if p.closed {
		return
	}
	now := p.now()
	ev.Snapshot = p.snapshot
	if ev.Time.IsZero() {
		ev.Time = now
	}

	if !ev.Kind.Coalescable() {
		// the discrete event carries a newer snapshot than any pending position
		p.pending = nil
		p.deliverLocked(ev)
		return
	}

	if p.pending == nil && now.Sub(p.lastPosition) >= p.interval {
		p.lastPosition = now
		p.deliverLocked(ev)
		return
	}

	p.pending = &ev
	if p.timer == nil {
		wait := p.interval - now.Sub(p.lastPosition)
		if wait < 0 {
			wait = 0
		}
		p.timer = time.AfterFunc(wait, p.flush)
	}
}

// flush delivers the trailing position update
func (p *Publisher) flush() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.timer = nil
	if p.pending == nil || p.closed {
		return
	}
	ev := *p.pending
	p.pending = nil
	p.lastPosition = p.now()
	ev.Snapshot = p.snapshot
	p.deliverLocked(ev)
}

func (p *Publisher) deliverLocked(ev Event) {
	p.seq++
	ev.Seq = p.seq
	for s := range p.subs {
		s.push(ev)
	}
}

// Subscribe registers a subscriber until ctx is done or Close is called.
// The subscriber first receives a snapshot event with the current state.
func (p *Publisher) Subscribe(ctx context.Context) *Subscription {
	s := newSubscription(p)

	p.mu.Lock()
	if p.closed {
		s.Close()
	} else {
		p.subs[s] = struct{}{}
		s.push(Event{Seq: p.seq, Kind: KindSnapshot, Time: p.now(), Snapshot: p.snapshot})
	}
	p.mu.Unlock()

	go s.run(ctx)
	return s
}

func (p *Publisher) remove(s *Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subs, s)
}

// Close stops delivery and closes every subscription
func (p *Publisher) Close() {
	p.mu.Lock()
	p.closed = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	subs := make([]*Subscription, 0, len(p.subs))
	for s := range p.subs {
		subs = append(subs, s)
	}
	p.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
}

// Subscription is one subscriber's ordered event stream. Each has its
// own queue, so a slow reader never holds up the publisher or others.
type Subscription struct {
	publisher *Publisher
	out       chan Event
	signal    chan struct{}
	done      chan struct{}
	once      sync.Once

	mu    sync.Mutex
	queue []Event
}

func newSubscription(p *Publisher) *Subscription {
	return &Subscription{
		publisher: p,
		out:       make(chan Event),
		signal:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Events returns the delivery channel, closed when the subscription ends
func (s *Subscription) Events() <-chan Event {
	return s.out
}

// Close ends the subscription
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
	})
}

// push queues ev; a queued position update is replaced by a newer one
func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	if n := len(s.queue); n > 0 && ev.Kind.Coalescable() && s.queue[n-1].Kind.Coalescable() {
		s.queue[n-1] = ev
	} else {
		s.queue = append(s.queue, ev)
	}
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.out)
	defer s.publisher.remove(s)

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.signal:
				continue
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}
