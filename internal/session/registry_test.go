package session

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRegistryConcurrentAdmission(t *testing.T) {
	tests := []struct {
		capacity int
		clients  int
	}{
		{capacity: 5, clients: 50},
		{capacity: 1, clients: 10},
		{capacity: 8, clients: 8},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("capacity_%d_clients_%d", tt.capacity, tt.clients), func(t *testing.T) {
			r := NewRegistry(tt.capacity, testLogger(), nil)

			var wg sync.WaitGroup
			var mu sync.Mutex
			admitted, rejected := 0, 0

			for i := 0; i < tt.clients; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, err := r.Admit(fmt.Sprintf("10.0.0.%d:5000", i))

					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						admitted++
					case errors.Is(err, ErrCapacityExceeded):
						rejected++
					default:
						t.Errorf("Admit() unexpected error = %v", err)
					}
				}(i)
			}
			wg.Wait()

			if admitted != tt.capacity {
				t.Errorf("admitted = %d, want %d", admitted, tt.capacity)
			}
			if rejected != tt.clients-tt.capacity {
				t.Errorf("rejected = %d, want %d", rejected, tt.clients-tt.capacity)
			}
			if r.Len() != tt.capacity {
				t.Errorf("Len() = %d, want %d", r.Len(), tt.capacity)
			}
		})
	}
}

func TestRegistryRejectionLeavesStateUnchanged(t *testing.T) {
	r := NewRegistry(5, testLogger(), nil)

	for i := 0; i < 5; i++ {
		if _, err := r.Admit("127.0.0.1:1"); err != nil {
			t.Fatalf("Admit(%d) error = %v", i, err)
		}
	}
	before := r.Snapshot()

	if _, err := r.Admit("127.0.0.1:2"); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("sixth Admit() error = %v, want ErrCapacityExceeded", err)
	}

	after := r.Snapshot()
	if len(after) != len(before) {
		t.Fatalf("Snapshot() length changed from %d to %d", len(before), len(after))
	}
	for i := range before {
		if before[i].ID != after[i].ID {
			t.Errorf("session %d changed from %s to %s", i, before[i].ID, after[i].ID)
		}
	}
	if r.Available() != 0 || !r.Full() {
		t.Errorf("Available() = %d, Full() = %v", r.Available(), r.Full())
	}
}

func TestRegistryAdmitID(t *testing.T) {
	r := NewRegistry(3, testLogger(), nil)

	s, err := r.AdmitID("fixed", "127.0.0.1:1")
	if err != nil {
		t.Fatalf("AdmitID() error = %v", err)
	}
	if s.State() != StateActive {
		t.Errorf("State() = %v, want active", s.State())
	}

	if _, err := r.AdmitID("fixed", "127.0.0.1:2"); !errors.Is(err, ErrDuplicateSession) {
		t.Errorf("duplicate AdmitID() error = %v, want ErrDuplicateSession", err)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestRegistryAdmitGeneratesUniqueIDs(t *testing.T) {
	r := NewRegistry(100, testLogger(), nil)
	seen := make(map[string]bool)

	for i := 0; i < 100; i++ {
		s, err := r.Admit("127.0.0.1:1")
		if err != nil {
			t.Fatalf("Admit() error = %v", err)
		}
		if seen[s.ID] {
			t.Fatalf("duplicate session id %s", s.ID)
		}
		seen[s.ID] = true
	}
}

func TestRegistryRemoveIsIdempotent(t *testing.T) {
	r := NewRegistry(2, testLogger(), nil)
	s, _ := r.Admit("127.0.0.1:1")

	if !r.Remove(s.ID) {
		t.Error("first Remove() = false, want true")
	}
	if r.Remove(s.ID) {
		t.Error("second Remove() = true, want false")
	}
	if r.Remove("never-admitted") {
		t.Error("Remove() of unknown id = true, want false")
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
	if _, ok := r.Get(s.ID); ok {
		t.Error("Get() found a removed session")
	}
}

func TestRegistrySnapshotOrder(t *testing.T) {
	r := NewRegistry(5, testLogger(), nil)

	ids := []string{"c", "a", "d", "b"}
	for _, id := range ids {
		if _, err := r.AdmitID(id, "127.0.0.1:"+id); err != nil {
			t.Fatalf("AdmitID(%s) error = %v", id, err)
		}
	}
	r.Remove("a")

	want := []string{"c", "d", "b"}
	got := r.Snapshot()
	if len(got) != len(want) {
		t.Fatalf("Snapshot() = %v, want ids %v", got, want)
	}
	for i, info := range got {
		if info.ID != want[i] {
			t.Errorf("Snapshot()[%d].ID = %s, want %s", i, info.ID, want[i])
		}
		if info.RemoteAddr != "127.0.0.1:"+want[i] {
			t.Errorf("Snapshot()[%d].RemoteAddr = %s", i, info.RemoteAddr)
		}
		if info.State != "active" {
			t.Errorf("Snapshot()[%d].State = %s", i, info.State)
		}
	}
}

func TestRegistryRemoveIdleRechecksActivity(t *testing.T) {
	r := NewRegistry(2, testLogger(), nil)
	s, _ := r.Admit("127.0.0.1:1")

	cutoff := time.Now().Add(time.Minute)

	// Activity after the cutoff keeps the session
	s.Touch(cutoff.Add(time.Second))
	if _, ok := r.RemoveIdle(s.ID, cutoff); ok {
		t.Fatal("RemoveIdle() removed a session active after cutoff")
	}

	s.Touch(cutoff.Add(-time.Second))
	removed, ok := r.RemoveIdle(s.ID, cutoff)
	if !ok || removed != s {
		t.Fatalf("RemoveIdle() = %v, %v", removed, ok)
	}
	if _, ok := r.RemoveIdle(s.ID, cutoff); ok {
		t.Error("RemoveIdle() removed an absent session")
	}
}

func TestSessionExpire(t *testing.T) {
	s := newSession("id", "addr", time.Now())

	if s.ExpireReason() != "" {
		t.Error("ExpireReason() set before Expire")
	}
	if !s.Expire("first") {
		t.Error("first Expire() = false")
	}
	if s.Expire("second") {
		t.Error("second Expire() = true")
	}

	select {
	case <-s.Expired():
	default:
		t.Fatal("Expired() not closed")
	}
	if s.ExpireReason() != "first" {
		t.Errorf("ExpireReason() = %q, want first", s.ExpireReason())
	}
	if s.State() != StateClosing {
		t.Errorf("State() = %v, want closing", s.State())
	}
}
