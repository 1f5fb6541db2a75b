// Package pubsub implements typed fan-out of values to any number of
// subscriptions, each with its own unbounded queue.
package pubsub

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrClosed       = errors.New("pubsub: subscriber closed")
	ErrUnsubscribed = errors.New("pubsub: subscription cancelled")
)

// Subscriber broadcasts every notified value to all its live subscriptions.
// The zero value is not usable, use New.
type Subscriber[T any] struct {
	lk     sync.Mutex
	subs   map[uint64]*Subscription[T]
	nextID uint64
	err    error
}

func New[T any]() *Subscriber[T] {
	return &Subscriber[T]{
		subs: make(map[uint64]*Subscription[T]),
	}
}

// Subscribe registers a new subscription. Subscribing to a closed
// Subscriber returns a subscription which fails right away with the
// closing error.
func (s *Subscriber[T]) Subscribe() *Subscription[T] {
	s.lk.Lock()
	defer s.lk.Unlock()

	sub := &Subscription[T]{
		id:       s.nextID,
		parent:   s,
		notifyCh: make(chan struct{}, 1),
		closeCh:  make(chan struct{}),
	}
	s.nextID++

	if s.err != nil {
		sub.closeWith(s.err)
		return sub
	}
	s.subs[sub.id] = sub
	return sub
}

// Notify queues item on every subscription and returns how many received
// it. It never blocks on slow subscribers.
func (s *Subscriber[T]) Notify(item T) int {
	s.lk.Lock()
	defer s.lk.Unlock()

	if s.err != nil {
		return 0
	}
	for _, sub := range s.subs {
		sub.push(item)
	}
	return len(s.subs)
}

// Close terminates every subscription with err once their queue is
// drained. Only the first call has an effect.
func (s *Subscriber[T]) Close(err error) {
	if err == nil {
		err = ErrClosed
	}

	s.lk.Lock()
	defer s.lk.Unlock()
	if s.err != nil {
		return
	}
	s.err = err
	for id, sub := range s.subs {
		sub.closeWith(err)
		delete(s.subs, id)
	}
}

// Len is the number of live subscriptions.
func (s *Subscriber[T]) Len() int {
	s.lk.Lock()
	defer s.lk.Unlock()
	return len(s.subs)
}

func (s *Subscriber[T]) remove(id uint64) {
	s.lk.Lock()
	delete(s.subs, id)
	s.lk.Unlock()
}

// Subscription is the receiving side of a Subscriber.
type Subscription[T any] struct {
	id     uint64
	parent *Subscriber[T]

	// NB(raskyld): notifyCh only wakes a receiver up, the state is
	// always read from the queue under lk.
	notifyCh chan struct{}
	closeCh  chan struct{}

	lk    sync.Mutex
	queue []T
	err   error
}

// Receive blocks until a value is available, the subscription is closed or
// ctx is done. Values queued before the closure are delivered first.
func (s *Subscription[T]) Receive(ctx context.Context) (item T, err error) {
	for {
		s.lk.Lock()
		if len(s.queue) > 0 {
			item = s.queue[0]
			var zero T
			s.queue[0] = zero
			s.queue = s.queue[1:]
			s.lk.Unlock()
			return item, nil
		}
		if s.err != nil {
			err = s.err
			s.lk.Unlock()
			return item, err
		}
		s.lk.Unlock()

		select {
		case <-ctx.Done():
			return item, ctx.Err()
		case <-s.notifyCh:
		case <-s.closeCh:
		}
	}
}

// Unsubscribe detaches the subscription, pending values are dropped.
func (s *Subscription[T]) Unsubscribe() {
	s.parent.remove(s.id)
	s.lk.Lock()
	s.queue = nil
	s.lk.Unlock()
	s.closeWith(ErrUnsubscribed)
}

func (s *Subscription[T]) push(item T) {
	s.lk.Lock()
	if s.err != nil {
		s.lk.Unlock()
		return
	}
	s.queue = append(s.queue, item)
	s.lk.Unlock()

	select {
	case s.notifyCh <- struct{}{}:
	default:
	}
}

func (s *Subscription[T]) closeWith(err error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.err != nil {
		return
	}
	s.err = err
	close(s.closeCh)
}
