package circ

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestMonitorNotifiesOnTransitionOnly(t *testing.T) {
	m := NewMonitor()
	if m.Online() {
		t.Fatalf("monitor should start disconnected")
	}

	var calls []bool
	m.Subscribe(func(online bool) { calls = append(calls, online) })

	m.Set(true)
	m.Set(true) // same state again: no notification
	m.Set(false)
	m.Set(false)
	m.Set(true)

	want := []bool{true, false, true}
	if len(calls) != len(want) {
		t.Fatalf("want %d notifications, got %d: %v", len(want), len(calls), calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("notification %d: want %v, got %v", i, want[i], calls[i])
		}
	}
}

func TestMonitorUnsubscribe(t *testing.T) {
	m := NewMonitor()

	var a, b int
	idA := m.Subscribe(func(bool) { a++ })
	m.Subscribe(func(bool) { b++ })

	m.Set(true)
	m.Unsubscribe(idA)
	m.Set(false)

	if a != 1 {
		t.Fatalf("unsubscribed callback still fired: %d", a)
	}
	if b != 2 {
		t.Fatalf("remaining callback missed a transition: %d", b)
	}
}

func TestMonitorLateSubscriberSeesNoHistory(t *testing.T) {
	m := NewMonitor()
	m.Set(true)

	var calls int
	m.Subscribe(func(bool) { calls++ })
	if calls != 0 {
		t.Fatalf("late subscriber replayed past transitions")
	}
	if !m.Online() {
		t.Fatalf("current state should still be queryable")
	}
}

func TestWatchProbesHealthEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	m := NewMonitor()
	transitions := make(chan bool, 4)
	m.Subscribe(func(online bool) { transitions <- online })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Watch(ctx, srv.Client(), srv.URL+"/health", 20*time.Millisecond)

	select {
	case online := <-transitions:
		if !online {
			t.Fatalf("reachable backend reported as offline")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no transition observed")
	}

	// Backend goes away: the next probe must flip the state to offline.
	srv.Close()
	select {
	case online := <-transitions:
		if online {
			t.Fatalf("unreachable backend reported as online")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("offline transition never observed")
	}
}
