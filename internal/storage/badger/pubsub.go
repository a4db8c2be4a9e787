package badger

import (
	"sync"
)

// subscriberBuffer bounds each subscription channel; slow consumers drop
// messages rather than block publishers.
const subscriberBuffer = 64

// pubsub is an in-process channel fan-out for the embedded backend.
type pubsub struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscription]struct{}
	closed bool
}

func newPubSub() *pubsub {
	return &pubsub{
		subs: make(map[string]map[*subscription]struct{}),
	}
}

type subscription struct {
	ps      *pubsub
	channel string
	ch      chan string
	once    sync.Once
}

func (s *subscription) Channel() <-chan string {
	return s.ch
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.ps.unsubscribe(s)
		close(s.ch)
	})
	return nil
}

func (p *pubsub) Subscribe(channel string) *subscription {
	sub := &subscription{
		ps:      p,
		channel: channel,
		ch:      make(chan string, subscriberBuffer),
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		sub.once.Do(func() { close(sub.ch) })
		return sub
	}
	if p.subs[channel] == nil {
		p.subs[channel] = make(map[*subscription]struct{})
	}
	p.subs[channel][sub] = struct{}{}
	return sub
}

func (p *pubsub) unsubscribe(sub *subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if set, ok := p.subs[sub.channel]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(p.subs, sub.channel)
		}
	}
}

func (p *pubsub) Publish(channel string, message string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	for sub := range p.subs[channel] {
		select {
		case sub.ch <- message:
		default:
		}
	}
}

func (p *pubsub) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, set := range p.subs {
		for sub := range set {
			sub.once.Do(func() { close(sub.ch) })
		}
	}
	p.subs = make(map[string]map[*subscription]struct{})
}
