package chain

import (
	"context"
	"sync"
)

// SubscriberBufferSize is the buffer size for subscriber channels
const SubscriberBufferSize = 100

// Feed fans events out to subscribers. Sends never block the publisher; a
// subscriber with a full buffer already has refresh triggers pending, so the
// dropped event carries no extra information.
type Feed struct {
	mu     sync.RWMutex
	subs   map[*feedSub]struct{}
	closed bool
}

// NewFeed creates an empty feed.
func NewFeed() *Feed {
	return &Feed{subs: make(map[*feedSub]struct{})}
}

type feedSub struct {
	feed   *Feed
	events chan Event
	errc   chan error
	done   chan struct{}
	once   sync.Once
}

// Subscribe registers a subscriber that is removed when ctx ends or on
// Unsubscribe, whichever comes first.
func (f *Feed) Subscribe(ctx context.Context) Subscription {
	s := &feedSub{
		feed:   f,
		events: make(chan Event, SubscriberBufferSize),
		errc:   make(chan error, 1),
		done:   make(chan struct{}),
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		s.once.Do(s.closeChannels)
		return s
	}
	f.subs[s] = struct{}{}
	f.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			s.Unsubscribe()
		case <-s.done:
		}
	}()
	return s
}

// Publish delivers ev to every current subscriber.
func (f *Feed) Publish(ev Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for s := range f.subs {
		select {
		case s.events <- ev:
		default:
		}
	}
}

// Len returns the number of live subscribers.
func (f *Feed) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// Close ends every subscription and rejects new ones.
func (f *Feed) Close() {
	f.mu.Lock()
	subs := f.subs
	f.subs = make(map[*feedSub]struct{})
	f.closed = true
	f.mu.Unlock()

	for s := range subs {
		s.once.Do(s.closeChannels)
	}
}

func (s *feedSub) Events() <-chan Event { return s.events }
func (s *feedSub) Err() <-chan error    { return s.errc }

// Unsubscribe is safe to call more than once.
func (s *feedSub) Unsubscribe() {
	s.once.Do(func() {
		// Remove under the write lock so Publish never sends on a closed channel
		s.feed.mu.Lock()
		delete(s.feed.subs, s)
		s.feed.mu.Unlock()
		s.closeChannels()
	})
}

func (s *feedSub) closeChannels() {
	close(s.done)
	close(s.events)
	close(s.errc)
}
