package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"rankstream/internal/queue"
)

func TestQueue_PublishAssignsSequentialOffsets(t *testing.T) {
	q := NewQueue(10)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		msg := &queue.Message{Value: []byte("payload")}
		if err := q.Publish(ctx, msg); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if msg.Offset != int64(i) {
			t.Errorf("offset = %d, want %d", msg.Offset, i)
		}
		if msg.Time.IsZero() {
			t.Error("publish should stamp message time")
		}
	}
}

func TestQueue_DeliversInOrder(t *testing.T) {
	q := NewQueue(10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, v := range []string{"a", "b", "c"} {
		if err := q.Publish(ctx, &queue.Message{Value: []byte(v)}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})

	go func() {
		_ = q.Start(ctx, func(_ context.Context, msg *queue.Message) error {
			mu.Lock()
			got = append(got, string(msg.Value))
			if len(got) == 3 {
				close(done)
			}
			mu.Unlock()
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range []string{"a", "b", "c"} {
		if got[i] != v {
			t.Errorf("message %d = %q, want %q", i, got[i], v)
		}
	}
}

func TestQueue_Replay_DeliversTailAfterOffset(t *testing.T) {
	q := NewQueue(10)
	ctx := context.Background()

	for _, v := range []string{"a", "b", "c", "d"} {
		if err := q.Publish(ctx, &queue.Message{Value: []byte(v)}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	var offsets []int64
	err := q.Replay(ctx, 1, func(_ context.Context, msg *queue.Message) error {
		offsets = append(offsets, msg.Offset)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(offsets) != 2 || offsets[0] != 2 || offsets[1] != 3 {
		t.Errorf("replayed offsets = %v, want [2 3]", offsets)
	}
}

func TestQueue_Replay_StopsOnHandlerError(t *testing.T) {
	q := NewQueue(10)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := q.Publish(ctx, &queue.Message{Value: []byte("payload")}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	boom := errors.New("boom")
	calls := 0
	err := q.Replay(ctx, -1, func(_ context.Context, _ *queue.Message) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("expected handler error to propagate, got %v", err)
	}
	if calls != 1 {
		t.Errorf("handler called %d times after failing, want 1", calls)
	}
}

func TestQueue_PublishAfterClose(t *testing.T) {
	q := NewQueue(10)
	if err := q.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := q.Publish(context.Background(), &queue.Message{}); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("expected ErrQueueClosed, got %v", err)
	}
}

func TestQueue_CloseIsIdempotent(t *testing.T) {
	q := NewQueue(10)
	if err := q.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}
}
