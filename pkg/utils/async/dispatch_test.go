package async_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/m-mizutani/gt"

	"github.com/mergegate/mergegate/pkg/utils/async"
)

func TestDispatch_RunsHandler(t *testing.T) {
	done := make(chan struct{})

	async.Dispatch(context.Background(), func(ctx context.Context) error {
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not run")
	}
}

func TestDispatch_SurvivesCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var mu sync.Mutex
	var canceled bool
	done := make(chan struct{})

	async.Dispatch(ctx, func(ctx context.Context) error {
		mu.Lock()
		canceled = ctx.Err() != nil
		mu.Unlock()
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not run")
	}

	mu.Lock()
	defer mu.Unlock()
	gt.Value(t, canceled).Equal(false)
}

func TestDispatch_RecoversPanicAndError(t *testing.T) {
	done := make(chan struct{}, 2)

	async.Dispatch(context.Background(), func(ctx context.Context) error {
		defer func() { done <- struct{}{} }()
		panic("boom")
	})
	async.Dispatch(context.Background(), func(ctx context.Context) error {
		done <- struct{}{}
		return errors.New("handler failed")
	})

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("handler did not finish")
		}
	}
}
