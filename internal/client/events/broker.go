// Package events fans engine state changes out to observers.
package events

import (
	"sync/atomic"
	"time"
)

type Type string

const (
	StateChanged       Type = "state_changed"
	SyncStarted        Type = "sync_started"
	SyncCompleted      Type = "sync_completed"
	SyncFailed         Type = "sync_failed"
	ConflictDetected   Type = "conflict_detected"
	OperationDelivered Type = "operation_delivered"
	OperationFailed    Type = "operation_failed"
)

// Event is one notification. Detail carries the type specific payload, such
// as the new state name or the sync counts.
type Event struct {
	Type    Type
	VaultID string
	Detail  string
	Err     error
	At      time.Time
}

// Broker delivers every published event to all subscribers. A single loop
// goroutine owns the subscriber set; a subscriber whose buffer is full misses
// events instead of stalling publishers.
type Broker struct {
	subscribeCh   chan chan Event
	unsubscribeCh chan chan Event
	publishCh     chan Event
	countReqCh    chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

func NewBroker() *Broker {
	b := &Broker{
		subscribeCh:   make(chan chan Event),
		unsubscribeCh: make(chan chan Event),
		publishCh:     make(chan Event, 256),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Broker) run() {
	defer close(b.stopped)

	subs := make(map[chan Event]struct{})
	for {
		select {
		case <-b.stopCh:
			for ch := range subs {
				close(ch)
			}
			return

		case ch := <-b.subscribeCh:
			subs[ch] = struct{}{}

		case ch := <-b.unsubscribeCh:
			if _, ok := subs[ch]; ok {
				delete(subs, ch)
				close(ch)
			}

		case ev := <-b.publishCh:
			for ch := range subs {
				select {
				case ch <- ev:
				default:
				}
			}

		case resp := <-b.countReqCh:
			resp <- len(subs)
		}
	}
}

// Subscribe registers a new observer. The returned function unsubscribes and
// closes the channel; it may be called more than once.
func (b *Broker) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	if b.closed.Load() {
		close(ch)
		return ch, func() {}
	}

	select {
	case b.subscribeCh <- ch:
	case <-b.stopped:
		close(ch)
		return ch, func() {}
	}

	var once atomic.Bool
	return ch, func() {
		if !once.CompareAndSwap(false, true) || b.closed.Load() {
			return
		}
		select {
		case b.unsubscribeCh <- ch:
		case <-b.stopped:
		}
	}
}

// Publish stamps ev and queues it for delivery. It is a no-op after Close.
func (b *Broker) Publish(ev Event) {
	if b.closed.Load() {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case b.publishCh <- ev:
	case <-b.stopped:
	}
}

func (b *Broker) SubscriberCount() int {
	if b.closed.Load() {
		return 0
	}
	resp := make(chan int, 1)
	select {
	case b.countReqCh <- resp:
	case <-b.stopped:
		return 0
	}
	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// Close stops the loop and closes every subscriber channel.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}
