package tiercache

import (
	"testing"
	"time"
)

func TestBusDeliversByKind(t *testing.T) {
	b := NewBus()
	var hits, misses int
	b.Subscribe(EventHit, func(Event) { hits++ })
	b.Subscribe(EventMiss, func(Event) { misses++ })

	b.Publish(Event{Kind: EventHit, Key: "k"})
	b.Publish(Event{Kind: EventHit, Key: "k"})
	b.Publish(Event{Kind: EventMiss, Key: "k"})

	if hits != 2 || misses != 1 {
		t.Fatalf("hits=%d misses=%d", hits, misses)
	}
}

func TestBusWildcard(t *testing.T) {
	b := NewBus()
	var all []EventKind
	b.SubscribeAll(func(ev Event) { all = append(all, ev.Kind) })
	b.Subscribe(EventSet, func(Event) {})

	b.Publish(Event{Kind: EventSet})
	b.Publish(Event{Kind: EventDelete})

	if len(all) != 2 || all[0] != EventSet || all[1] != EventDelete {
		t.Fatalf("wildcard saw %v", all)
	}
}

func TestBusPanicIsolation(t *testing.T) {
	b := NewBus()
	var delivered bool
	b.Subscribe(EventHit, func(Event) { panic("bad subscriber") })
	b.Subscribe(EventHit, func(Event) { delivered = true })

	b.Publish(Event{Kind: EventHit})

	if !delivered {
		t.Fatalf("panicking subscriber must not block the others")
	}
}

func TestBusStampsTime(t *testing.T) {
	b := NewBus()
	var at time.Time
	b.Subscribe(EventSet, func(ev Event) { at = ev.At })

	b.Publish(Event{Kind: EventSet})
	if at.IsZero() {
		t.Fatalf("Publish should stamp At when unset")
	}

	fixed := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	b.Publish(Event{Kind: EventSet, At: fixed})
	if !at.Equal(fixed) {
		t.Fatalf("explicit At must be preserved, got %v", at)
	}
}

func TestEventKindStrings(t *testing.T) {
	cases := map[EventKind]string{
		EventHit:             "hit",
		EventProviderDemoted: "provider_demoted",
		EventCircuitOpened:   "circuit_opened",
		EventRefreshTimeout:  "refresh_timeout",
		EventKind(99):        "unknown",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Fatalf("%d.String() = %q, want %q", k, got, want)
		}
	}
}
