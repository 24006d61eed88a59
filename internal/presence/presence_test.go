package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupMiniRedis(t *testing.T) (*miniredis.Miniredis, *Index) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, NewIndex(rdb, 2*time.Minute)
}

func TestSetAndNode(t *testing.T) {
	t.Parallel()
	_, idx := setupMiniRedis(t)
	ctx := context.Background()

	if err := idx.Set(ctx, 7, "node-a"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	node, err := idx.Node(ctx, 7)
	if err != nil {
		t.Fatalf("Node() error = %v", err)
	}
	if node != "node-a" {
		t.Errorf("Node() = %q, want node-a", node)
	}
}

func TestNode_OfflineProfile(t *testing.T) {
	t.Parallel()
	_, idx := setupMiniRedis(t)

	node, err := idx.Node(context.Background(), 99)
	if err != nil {
		t.Fatalf("Node() error = %v", err)
	}
	if node != "" {
		t.Errorf("Node() = %q, want empty for offline profile", node)
	}
}

func TestSet_KeyExpires(t *testing.T) {
	t.Parallel()
	mr, idx := setupMiniRedis(t)
	ctx := context.Background()

	if err := idx.Set(ctx, 7, "node-a"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	mr.FastForward(3 * time.Minute)

	node, err := idx.Node(ctx, 7)
	if err != nil {
		t.Fatalf("Node() error = %v", err)
	}
	if node != "" {
		t.Errorf("Node() = %q, want empty after TTL expiry", node)
	}
}

func TestRefresh_ExtendsTTL(t *testing.T) {
	t.Parallel()
	mr, idx := setupMiniRedis(t)
	ctx := context.Background()

	if err := idx.Set(ctx, 7, "node-a"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	mr.FastForward(90 * time.Second)
	if err := idx.Refresh(ctx, 7); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	mr.FastForward(90 * time.Second)

	node, err := idx.Node(ctx, 7)
	if err != nil {
		t.Fatalf("Node() error = %v", err)
	}
	if node != "node-a" {
		t.Errorf("Node() = %q, want node-a after refresh", node)
	}
}

func TestDelete(t *testing.T) {
	t.Parallel()
	_, idx := setupMiniRedis(t)
	ctx := context.Background()

	if err := idx.Set(ctx, 7, "node-a"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := idx.Delete(ctx, 7); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	node, err := idx.Node(ctx, 7)
	if err != nil {
		t.Fatalf("Node() error = %v", err)
	}
	if node != "" {
		t.Errorf("Node() = %q, want empty after Delete", node)
	}
}

func TestOnlineSet(t *testing.T) {
	t.Parallel()
	_, idx := setupMiniRedis(t)
	ctx := context.Background()

	if err := idx.Set(ctx, 1, "node-a"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := idx.Set(ctx, 3, "node-b"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	online, err := idx.OnlineSet(ctx, []int64{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("OnlineSet() error = %v", err)
	}
	if len(online) != 2 {
		t.Fatalf("OnlineSet() returned %d entries, want 2", len(online))
	}
	if online[1] != "node-a" || online[3] != "node-b" {
		t.Errorf("OnlineSet() = %v, want profile 1 on node-a and 3 on node-b", online)
	}
}

func TestOnlineSet_Empty(t *testing.T) {
	t.Parallel()
	_, idx := setupMiniRedis(t)

	online, err := idx.OnlineSet(context.Background(), nil)
	if err != nil {
		t.Fatalf("OnlineSet() error = %v", err)
	}
	if online != nil {
		t.Errorf("OnlineSet() = %v, want nil for empty input", online)
	}
}
