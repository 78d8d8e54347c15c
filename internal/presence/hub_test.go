package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestHubCapacity(t *testing.T) {
	hub := NewHub(time.Minute)
	ctx := context.Background()

	if err := hub.Join(ctx, "ses", "a", 1); err != nil {
		t.Fatalf("Join(a) error = %v", err)
	}
	if err := hub.Join(ctx, "ses", "b", 1); !errors.Is(err, ErrAtCapacity) {
		t.Fatalf("Join(b) error = %v, want ErrAtCapacity", err)
	}
	if err := hub.Join(ctx, "other", "b", 1); err != nil {
		t.Fatalf("capacity is per session: %v", err)
	}
	if err := hub.Leave(ctx, "ses", "a"); err != nil {
		t.Fatalf("Leave() error = %v", err)
	}
	if count, _ := hub.Count(ctx, "ses"); count != 0 {
		t.Fatalf("Count() = %d after leave", count)
	}
}

func TestHubConcurrentJoinsRespectCap(t *testing.T) {
	hub := NewHub(time.Minute)
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := hub.Join(ctx, "ses", fmt.Sprintf("p%d", i), 10); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if accepted != 10 {
		t.Fatalf("accepted = %d, want 10", accepted)
	}
}

func TestHubExpiresStaleMembers(t *testing.T) {
	hub := NewHub(10 * time.Second)
	clock := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	hub.now = func() time.Time { return clock }
	ctx := context.Background()

	_ = hub.Join(ctx, "ses", "a", 1)
	clock = clock.Add(11 * time.Second)

	if present, _ := hub.Present(ctx, "ses", "a"); present {
		t.Fatal("stale member should be gone")
	}
	if err := hub.Join(ctx, "ses", "b", 1); err != nil {
		t.Fatalf("Join() after expiry error = %v", err)
	}
}

func TestHubFanOut(t *testing.T) {
	hub := NewHub(time.Minute)
	ctx := context.Background()

	first, cancelFirst, _ := hub.Subscribe(ctx, "ses")
	second, cancelSecond, _ := hub.Subscribe(ctx, "ses")
	defer cancelSecond()

	update := WordUpdate{SessionID: "ses", WordID: "w9", Hidden: true, HiddenAt: time.Now()}
	if err := hub.Publish(ctx, update); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	for _, ch := range []<-chan WordUpdate{first, second} {
		select {
		case got := <-ch:
			if got.WordID != "w9" {
				t.Fatalf("unexpected update %+v", got)
			}
		default:
			t.Fatal("subscriber did not receive update")
		}
	}

	cancelFirst()
	cancelFirst()
	if _, ok := <-first; ok {
		t.Fatal("cancelled subscription should be closed")
	}
	if err := hub.Publish(ctx, update); err != nil {
		t.Fatalf("Publish() after cancel error = %v", err)
	}
}
