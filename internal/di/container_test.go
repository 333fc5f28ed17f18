package di

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/greenbasket/api/internal/platform/config"
)

func TestCloseRunsInReverseOrderAndJoinsErrors(t *testing.T) {
	var order []string
	errRedis := errors.New("redis close failed")
	c := &Container{}
	c.onClose(func(context.Context) error { order = append(order, "firestore"); return nil })
	c.onClose(func(context.Context) error { order = append(order, "redis"); return errRedis })
	c.onClose(func(context.Context) error { order = append(order, "pubsub"); return nil })

	err := c.Close(context.Background())
	if !errors.Is(err, errRedis) {
		t.Fatalf("expected joined redis error, got %v", err)
	}
	if len(order) != 3 || order[0] != "pubsub" || order[2] != "firestore" {
		t.Fatalf("unexpected close order %v", order)
	}
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("expected second close to be a no-op, got %v", err)
	}
}

func TestRunWithoutWorkersReturnsOnCancel(t *testing.T) {
	c := &Container{Config: config.Config{}}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after cancellation")
	}
}
