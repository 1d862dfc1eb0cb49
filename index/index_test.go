package index

import (
	"sort"
	"testing"
	"time"
)

func sorted(keys []string) []string {
	out := append([]string(nil), keys...)
	sort.Strings(out)
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestUpsertAndGet(t *testing.T) {
	x := New(0)
	defer x.Close()

	x.Upsert("user:1", []string{"users", "hot"}, time.Minute, 42)

	m, ok := x.Get("user:1")
	if !ok {
		t.Fatalf("expected entry")
	}
	if m.Key != "user:1" || m.SizeBytes != 42 || m.TTL != time.Minute {
		t.Fatalf("bad snapshot: %+v", m)
	}
	if !equal(sorted(m.Tags), []string{"hot", "users"}) {
		t.Fatalf("tags = %v", m.Tags)
	}
	if m.ExpiresAt.IsZero() || m.Expired(time.Now()) {
		t.Fatalf("fresh entry must not be expired: %+v", m)
	}
}

func TestUpsertResetsEntry(t *testing.T) {
	x := New(0)
	defer x.Close()

	x.Upsert("k", []string{"a"}, time.Minute, 1)
	x.RecordAccess("k")
	x.Upsert("k", []string{"b"}, 0, 2)

	m, _ := x.Get("k")
	if !equal(m.Tags, []string{"b"}) {
		t.Fatalf("old tags must be dropped on upsert: %v", m.Tags)
	}
	if m.TTL != 0 || !m.ExpiresAt.IsZero() {
		t.Fatalf("ttl must be replaced: %+v", m)
	}
	if got := x.FindByTag("a"); len(got) != 0 {
		t.Fatalf("stale tag index: %v", got)
	}
	if got := x.FindByTag("b"); !equal(got, []string{"k"}) {
		t.Fatalf("FindByTag(b) = %v", got)
	}
}

func TestRecordAccess(t *testing.T) {
	x := New(0)
	defer x.Close()

	x.Upsert("k", nil, 0, 0)
	x.RecordAccess("k")
	x.RecordAccess("k")

	m, _ := x.Get("k")
	if m.AccessCount != 2 {
		t.Fatalf("AccessCount = %d, want 2", m.AccessCount)
	}
	// missing key is a no-op
	x.RecordAccess("ghost")
}

func TestDeleteCleansTags(t *testing.T) {
	x := New(0)
	defer x.Close()

	x.Upsert("a", []string{"t"}, 0, 0)
	x.Upsert("b", []string{"t"}, 0, 0)

	if !x.Delete("a") {
		t.Fatalf("Delete should report existing key")
	}
	if x.Delete("a") {
		t.Fatalf("second Delete should report miss")
	}
	if got := x.FindByTag("t"); !equal(got, []string{"b"}) {
		t.Fatalf("FindByTag after delete = %v", got)
	}
}

func TestFindByPrefix(t *testing.T) {
	x := New(0)
	defer x.Close()

	for _, k := range []string{"user:1", "user:2", "order:1"} {
		x.Upsert(k, nil, 0, 0)
	}
	got := sorted(x.FindByPrefix("user:"))
	if !equal(got, []string{"user:1", "user:2"}) {
		t.Fatalf("FindByPrefix = %v", got)
	}
}

func TestFindByPattern(t *testing.T) {
	x := New(0)
	defer x.Close()

	for _, k := range []string{"user:1", "user:22", "order:1"} {
		x.Upsert(k, nil, 0, 0)
	}
	got := sorted(x.FindByPattern(`^user:\d$`))
	if !equal(got, []string{"user:1"}) {
		t.Fatalf("FindByPattern = %v", got)
	}
}

func TestFindByPatternFallsBackToPrefix(t *testing.T) {
	x := New(0)
	defer x.Close()

	x.Upsert("bad[1", nil, 0, 0)
	x.Upsert("other", nil, 0, 0)

	// "bad[" is not a valid regexp; it should match as a literal prefix
	got := x.FindByPattern("bad[")
	if !equal(got, []string{"bad[1"}) {
		t.Fatalf("fallback match = %v", got)
	}
}

func TestExpiry(t *testing.T) {
	x := New(0)
	defer x.Close()

	x.Upsert("short", nil, 10*time.Millisecond, 0)
	x.Upsert("forever", nil, 0, 0)

	if x.IsExpired("short") {
		t.Fatalf("not expired yet")
	}
	time.Sleep(20 * time.Millisecond)
	if !x.IsExpired("short") {
		t.Fatalf("should be expired")
	}
	if x.IsExpired("forever") {
		t.Fatalf("zero TTL never expires")
	}
	if x.IsExpired("ghost") {
		t.Fatalf("missing key is not expired")
	}
}

func TestSweep(t *testing.T) {
	x := New(0)
	defer x.Close()

	x.Upsert("gone", []string{"t"}, time.Nanosecond, 0)
	x.Upsert("kept", []string{"t"}, time.Hour, 0)
	time.Sleep(time.Millisecond)

	if n := x.Sweep(time.Now()); n != 1 {
		t.Fatalf("Sweep removed %d, want 1", n)
	}
	if x.Len() != 1 {
		t.Fatalf("Len = %d", x.Len())
	}
	if got := x.FindByTag("t"); !equal(got, []string{"kept"}) {
		t.Fatalf("tag index after sweep = %v", got)
	}
}

func TestJanitor(t *testing.T) {
	x := New(10 * time.Millisecond)
	defer x.Close()

	x.Upsert("gone", nil, time.Nanosecond, 0)

	deadline := time.Now().Add(time.Second)
	for x.Len() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("janitor never swept the entry")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestClear(t *testing.T) {
	x := New(0)
	defer x.Close()

	x.Upsert("a", []string{"t"}, 0, 0)
	x.Upsert("b", nil, 0, 0)
	x.Clear()

	if x.Len() != 0 {
		t.Fatalf("Len after Clear = %d", x.Len())
	}
	if got := x.FindByTag("t"); len(got) != 0 {
		t.Fatalf("tag index survived Clear: %v", got)
	}
}
