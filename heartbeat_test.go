package parley

import (
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// pingRecorder collects pings and controls which get answered.
type pingRecorder struct {
	mu   sync.Mutex
	ids  []string
	next int
}

func (r *pingRecorder) send() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	id := fmt.Sprintf("ping-%d", r.next)
	r.ids = append(r.ids, id)
	return id, nil
}

func (r *pingRecorder) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ids) == 0 {
		return ""
	}
	return r.ids[len(r.ids)-1]
}

func TestHeartbeatDeclaresLossAfterMaxMisses(t *testing.T) {
	cfg := HeartbeatConfig{Interval: 30 * time.Millisecond, Timeout: 10 * time.Millisecond, MaxMisses: 3}
	rec := &pingRecorder{}

	var mu sync.Mutex
	var misses []int
	lostCh := make(chan struct{})

	m := newHeartbeatMonitor(cfg, slog.Default(), rec.send,
		func(n int) {
			mu.Lock()
			misses = append(misses, n)
			mu.Unlock()
		},
		func() { close(lostCh) },
	)
	m.start()
	defer m.stop()

	select {
	case <-lostCh:
	case <-time.After(2 * time.Second):
		t.Fatal("loss was never declared")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(misses) != 3 {
		t.Fatalf("misses: got %v, want 3 entries", misses)
	}
	for i, n := range misses {
		if n != i+1 {
			t.Errorf("miss %d: got count %d, want %d", i, n, i+1)
		}
	}
}

func TestHeartbeatPongResetsMisses(t *testing.T) {
	cfg := HeartbeatConfig{Interval: 30 * time.Millisecond, Timeout: 10 * time.Millisecond, MaxMisses: 3}
	rec := &pingRecorder{}

	missCh := make(chan int, 16)
	lostCh := make(chan struct{})

	m := newHeartbeatMonitor(cfg, slog.Default(), rec.send,
		func(n int) { missCh <- n },
		func() { close(lostCh) },
	)
	m.start()
	defer m.stop()

	// Let two misses accrue, then answer the latest ping late: the miss
	// count must reset and loss must not be declared on the next miss.
	waitMiss := func(want int) {
		t.Helper()
		select {
		case n := <-missCh:
			if n != want {
				t.Fatalf("miss count: got %d, want %d", n, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("miss %d never reported", want)
		}
	}
	waitMiss(1)
	waitMiss(2)

	m.handlePong(rec.last())

	waitMiss(1)

	select {
	case <-lostCh:
		t.Fatal("loss declared despite pong reset")
	default:
	}
}

func TestHeartbeatPongAfterLossIgnored(t *testing.T) {
	cfg := HeartbeatConfig{Interval: 20 * time.Millisecond, Timeout: 5 * time.Millisecond, MaxMisses: 1}
	rec := &pingRecorder{}
	lostCh := make(chan struct{})

	m := newHeartbeatMonitor(cfg, slog.Default(), rec.send, nil, func() { close(lostCh) })
	m.start()
	defer m.stop()

	select {
	case <-lostCh:
	case <-time.After(time.Second):
		t.Fatal("loss was never declared")
	}

	// Must not panic or restart anything.
	m.handlePong(rec.last())

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.stopped {
		t.Error("monitor resumed after loss")
	}
}

func TestHeartbeatStopIdempotent(t *testing.T) {
	cfg := HeartbeatConfig{Interval: 20 * time.Millisecond, Timeout: 5 * time.Millisecond, MaxMisses: 3}
	rec := &pingRecorder{}
	m := newHeartbeatMonitor(cfg, slog.Default(), rec.send, nil, func() {})
	m.start()
	m.stop()
	m.stop()
}
