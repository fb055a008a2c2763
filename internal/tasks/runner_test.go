package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRunner(limits map[Kind]int64) *Runner {
	return NewRunner(Config{Limits: limits, DefaultLimit: 4}, zap.NewNop(), nil)
}

func TestGoReportsResultThroughHandle(t *testing.T) {
	r := newTestRunner(nil)
	boom := errors.New("boom")

	h, err := r.Go(KindQuestionGeneration, "app-1", func(context.Context) error { return boom })
	require.NoError(t, err)

	err = h.Wait(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, h.Err(), boom)
	assert.Equal(t, "app-1", h.Info().Subject)
	assert.NotEmpty(t, h.Info().ID)
}

func TestGoRejectsWhenKindIsFull(t *testing.T) {
	r := newTestRunner(map[Kind]int64{KindMatchingRun: 1})
	release := make(chan struct{})

	first, err := r.Go(KindMatchingRun, "job-1", func(context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)

	_, err = r.Go(KindMatchingRun, "job-2", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrCapacityExhausted)

	// other kinds are not affected
	other, err := r.Go(KindUsageMerge, "org-1", func(context.Context) error { return nil })
	require.NoError(t, err)
	require.NoError(t, other.Wait(context.Background()))

	close(release)
	require.NoError(t, first.Wait(context.Background()))

	again, err := r.Go(KindMatchingRun, "job-2", func(context.Context) error { return nil })
	require.NoError(t, err)
	require.NoError(t, again.Wait(context.Background()))
}

func TestGoWaitBlocksForSlot(t *testing.T) {
	r := newTestRunner(map[Kind]int64{KindQuestionGeneration: 1})
	release := make(chan struct{})

	_, err := r.Go(KindQuestionGeneration, "app-1", func(context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = r.GoWait(ctx, KindQuestionGeneration, "app-2", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	go func() {
		time.Sleep(10 * time.Millisecond)
		close(release)
	}()
	h, err := r.GoWait(context.Background(), KindQuestionGeneration, "app-3", func(context.Context) error { return nil })
	require.NoError(t, err)
	require.NoError(t, h.Wait(context.Background()))
}

func TestPanicIsContained(t *testing.T) {
	r := newTestRunner(nil)

	h, err := r.Go(KindQuestionGeneration, "app-1", func(context.Context) error {
		panic("generator exploded")
	})
	require.NoError(t, err)

	err = h.Wait(context.Background())
	assert.ErrorIs(t, err, ErrTaskPanicked)
	assert.Empty(t, r.List())
}

func TestListShowsRunningTasks(t *testing.T) {
	r := newTestRunner(nil)
	release := make(chan struct{})
	defer close(release)

	_, err := r.Go(KindMatchingRun, "job-7", func(context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)

	infos := r.List()
	require.Len(t, infos, 1)
	assert.Equal(t, KindMatchingRun, infos[0].Kind)
	assert.Equal(t, "job-7", infos[0].Subject)
}

func TestShutdownDrainsThenRejects(t *testing.T) {
	r := newTestRunner(nil)
	finished := make(chan struct{})

	_, err := r.Go(KindUsageMerge, "org-1", func(context.Context) error {
		time.Sleep(10 * time.Millisecond)
		close(finished)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, r.Shutdown(context.Background()))
	select {
	case <-finished:
	default:
		t.Fatal("expected running task to finish before shutdown returned")
	}

	_, err = r.Go(KindUsageMerge, "org-2", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrRunnerClosed)
	_, err = r.GoWait(context.Background(), KindUsageMerge, "org-2", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrRunnerClosed)
}

func TestShutdownCancelsPastDeadline(t *testing.T) {
	r := newTestRunner(nil)

	h, err := r.Go(KindMatchingRun, "job-1", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))
	assert.ErrorIs(t, h.Err(), context.Canceled)
}
