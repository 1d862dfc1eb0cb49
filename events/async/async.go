// Package async decouples event subscribers from the engine's hot path.
// Events are queued to a bounded channel and delivered by worker goroutines;
// when the queue is full, events are dropped rather than blocking emission.
//
// usage:
//
//	sink := async.New(mySubscriber, 1, 1000) // 1 worker; queue 1000 events
//	defer sink.Close()
//	cache.Events().SubscribeAll(sink.Deliver)
package async

import (
	"sync"

	"github.com/tiercache/tiercache"
)

type Sink struct {
	inner tiercache.Subscriber
	q     chan tiercache.Event
	wg    sync.WaitGroup
	once  sync.Once
}

func New(inner tiercache.Subscriber, workers, qlen int) *Sink {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	s := &Sink{inner: inner, q: make(chan tiercache.Event, qlen)}
	s.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer s.wg.Done()
			for ev := range s.q {
				s.inner(ev)
			}
		}()
	}
	return s
}

// Deliver enqueues ev for asynchronous delivery. Non-blocking; drops when
// the queue is full.
func (s *Sink) Deliver(ev tiercache.Event) {
	select {
	case s.q <- ev:
	default: // drop
	}
}

// Close drains the queue and stops the workers. Safe to call more than once.
func (s *Sink) Close() {
	s.once.Do(func() {
		close(s.q)
		s.wg.Wait()
	})
}
