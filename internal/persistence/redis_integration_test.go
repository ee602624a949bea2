package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/torosent/aca-dts/internal/testutil"
)

func TestRedisSignalStore_Integration(t *testing.T) {
	addr := testutil.RedisAddr(t)
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	store := NewRedisSignalStore(client, "dts-test:")
	ctx := context.Background()

	sig := BufferedSignal{
		InstanceID: "r-1",
		EventName:  "HumanApproval",
		Payload:    []byte("true"),
		ExpiresAt:  time.Now().Add(time.Hour),
	}
	if err := store.SaveSignal(ctx, sig); err != nil {
		t.Fatalf("SaveSignal: %v", err)
	}

	got, err := store.TakeSignal(ctx, "r-1", "HumanApproval")
	if err != nil {
		t.Fatalf("TakeSignal: %v", err)
	}
	if string(got.Payload) != "true" {
		t.Fatalf("unexpected payload %q", got.Payload)
	}

	// TakeSignal consumes the key.
	if _, err := store.TakeSignal(ctx, "r-1", "HumanApproval"); !errors.Is(err, ErrSignalNotFound) {
		t.Fatalf("expected ErrSignalNotFound, got %v", err)
	}

	// Expiry is delegated to Redis TTLs.
	sig.ExpiresAt = time.Now().Add(50 * time.Millisecond)
	if err := store.SaveSignal(ctx, sig); err != nil {
		t.Fatalf("SaveSignal: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if _, err := store.TakeSignal(ctx, "r-1", "HumanApproval"); !errors.Is(err, ErrSignalNotFound) {
		t.Fatalf("expected expired signal to be gone, got %v", err)
	}
}
