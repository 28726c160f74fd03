package sched

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddJobRejectsBadSchedule(t *testing.T) {
	s := New()
	err := s.AddFunc("not a schedule", "noop", func() error { return nil })
	require.Error(t, err)
}

func TestRunNow(t *testing.T) {
	s := New()
	var ran atomic.Int32
	job := Func("probe", func() error {
		ran.Add(1)
		return nil
	})

	require.NoError(t, s.RunNow(job))
	assert.Equal(t, int32(1), ran.Load())
}

func TestRunNowPropagatesError(t *testing.T) {
	s := New()
	wantErr := errors.New("boom")
	assert.ErrorIs(t, s.RunNow(Func("failing", func() error { return wantErr })), wantErr)
}

func TestScheduledJobFires(t *testing.T) {
	s := New()
	var ran atomic.Int32
	require.NoError(t, s.AddFunc("* * * * * *", "ticker", func() error {
		ran.Add(1)
		return nil
	}))

	s.Start()
	defer s.Stop()

	deadline := time.After(3 * time.Second)
	for ran.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("job never fired")
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestJobErrorDoesNotStopScheduler(t *testing.T) {
	s := New()
	var runs atomic.Int32
	require.NoError(t, s.AddFunc("* * * * * *", "flaky", func() error {
		runs.Add(1)
		return errors.New("transient")
	}))

	s.Start()
	defer s.Stop()

	deadline := time.After(4 * time.Second)
	for runs.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("job did not keep running after an error")
		case <-time.After(50 * time.Millisecond):
		}
	}
}
