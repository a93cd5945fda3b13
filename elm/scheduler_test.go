package elm

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"elm327-diag/metrics"
	"elm327-diag/transport"
)

func openScheduler(t *testing.T, cfg Config, adapter *fakeAdapter) *Scheduler {
	t.Helper()
	s := NewScheduler(cfg, nil, zaptest.NewLogger(t), nil)
	require.NoError(t, s.Open(context.Background(), adapter))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSchedulerSubmit(t *testing.T) {
	adapter := newFakeAdapter(nil)
	s := openScheduler(t, testConfig(), adapter)

	resp, err := s.Submit(context.Background(), "010C", 0)
	require.NoError(t, err)
	assert.Equal(t, "7E8 04 41 0C 1A F8", resp)
	assert.Equal(t, []string{"010C"}, adapter.Writes())
}

func TestSchedulerFIFOOrdering(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	delays := make(map[string]time.Duration)
	for i := 0; i < 8; i++ {
		delays[fmt.Sprintf("01%02X", i)] = time.Duration(rng.Intn(15)) * time.Millisecond
	}
	adapter := newFakeAdapter(func(cmd string) reply {
		return reply{text: "ECHO " + cmd, delay: delays[cmd]}
	})
	s := openScheduler(t, testConfig(), adapter)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		resolved []string
	)
	for i := 0; i < 8; i++ {
		cmd := fmt.Sprintf("01%02X", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := s.Submit(context.Background(), cmd, time.Second)
			// Без перекрестных ответов
			assert.NoError(t, err)
			assert.Equal(t, "ECHO "+cmd, resp)
			mu.Lock()
			resolved = append(resolved, cmd)
			mu.Unlock()
		}()
		// Порядок постановки в очередь задает тест
		time.Sleep(2 * time.Millisecond)
	}
	wg.Wait()

	expected := []string{"0100", "0101", "0102", "0103", "0104", "0105", "0106", "0107"}
	assert.Equal(t, expected, adapter.Writes())
	assert.Equal(t, expected, resolved)
}

func TestSchedulerMinimumSpacing(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	adapter := newFakeAdapter(func(cmd string) reply {
		return reply{text: "OK", delay: time.Duration(rng.Intn(5)) * time.Millisecond}
	})
	cfg := testConfig()
	cfg.MinDelay = 15 * time.Millisecond
	s := openScheduler(t, cfg, adapter)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Submit(context.Background(), fmt.Sprintf("AT%d", i), 2*time.Second)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	times := adapter.WriteTimes()
	require.Len(t, times, 10)
	for i := 1; i < len(times); i++ {
		gap := times[i].Sub(times[i-1])
		assert.GreaterOrEqual(t, gap, cfg.MinDelay, "gap between write %d and %d", i-1, i)
	}
}

func TestSchedulerTimeoutDoesNotHaltQueue(t *testing.T) {
	adapter := newFakeAdapter(nil)
	s := openScheduler(t, testConfig(), adapter)

	var wg sync.WaitGroup
	var silentErr, nextErr error
	var nextResp string

	wg.Add(2)
	go func() {
		defer wg.Done()
		_, silentErr = s.Submit(context.Background(), "SILENT", 50*time.Millisecond)
	}()
	time.Sleep(5 * time.Millisecond)
	go func() {
		defer wg.Done()
		nextResp, nextErr = s.Submit(context.Background(), "010C", time.Second)
	}()
	wg.Wait()

	assert.True(t, errors.Is(silentErr, ErrCommandTimeout))
	require.NoError(t, nextErr)
	assert.Equal(t, "7E8 04 41 0C 1A F8", nextResp)
	assert.Equal(t, []string{"SILENT", "010C"}, adapter.Writes())
}

func TestSchedulerExpiresQueuedCommandWithoutWriting(t *testing.T) {
	adapter := newFakeAdapter(nil)
	s := openScheduler(t, testConfig(), adapter)

	firstDone := make(chan error, 1)
	go func() {
		_, err := s.Submit(context.Background(), "SILENT", 150*time.Millisecond)
		firstDone <- err
	}()
	require.Eventually(t, func() bool { return len(adapter.Writes()) == 1 }, time.Second, time.Millisecond)

	start := time.Now()
	_, err := s.Submit(context.Background(), "010C", 20*time.Millisecond)
	assert.True(t, errors.Is(err, ErrCommandTimeout))
	assert.Less(t, time.Since(start), 120*time.Millisecond)

	assert.True(t, errors.Is(<-firstDone, ErrCommandTimeout))

	// Следующая команда выполняется, истекшая так и не была отправлена
	_, err = s.Submit(context.Background(), "ATI", time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"SILENT", "ATI"}, adapter.Writes())
}

func TestSchedulerCloseRejectsPending(t *testing.T) {
	adapter := newFakeAdapter(nil)
	s := NewScheduler(testConfig(), nil, zaptest.NewLogger(t), nil)
	require.NoError(t, s.Open(context.Background(), adapter))

	errs := make(chan error, 3)
	submit := func(cmd string) {
		_, err := s.Submit(context.Background(), cmd, 5*time.Second)
		errs <- err
	}
	go submit("SILENT")
	require.Eventually(t, func() bool { return len(adapter.Writes()) == 1 }, time.Second, time.Millisecond)
	go submit("010C")
	go submit("ATI")
	require.Eventually(t, func() bool {
		return len(adapter.Writes()) == 1 && s.QueueDepth() == 2
	}, time.Second, time.Millisecond)

	require.NoError(t, s.Close())
	for i := 0; i < 3; i++ {
		select {
		case err := <-errs:
			assert.True(t, errors.Is(err, ErrSessionClosed), "got %v", err)
		case <-time.After(time.Second):
			t.Fatal("pending command was not rejected")
		}
	}
	assert.Equal(t, 1, adapter.CloseCount())
	assert.Equal(t, 0, s.QueueDepth())

	// После закрытия новые команды отклоняются сразу
	start := time.Now()
	_, err := s.Submit(context.Background(), "010C", 5*time.Second)
	assert.True(t, errors.Is(err, ErrNotConnected))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, []string{"SILENT"}, adapter.Writes())
}

func TestSchedulerReopen(t *testing.T) {
	s := NewScheduler(testConfig(), nil, zaptest.NewLogger(t), nil)

	first := newFakeAdapter(nil)
	require.NoError(t, s.Open(context.Background(), first))
	assert.Error(t, s.Open(context.Background(), first))
	_, err := s.Submit(context.Background(), "ATI", 0)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	second := newFakeAdapter(nil)
	require.NoError(t, s.Open(context.Background(), second))
	defer s.Close()
	_, err = s.Submit(context.Background(), "ATI", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"ATI"}, second.Writes())
}

func TestSchedulerTransportReadFailure(t *testing.T) {
	adapter := newFakeAdapter(nil)
	s := openScheduler(t, testConfig(), adapter)

	fatal := make(chan error, 1)
	s.SetFatalHandler(func(err error) { fatal <- err })

	errs := make(chan error, 1)
	go func() {
		_, err := s.Submit(context.Background(), "SILENT", 5*time.Second)
		errs <- err
	}()
	require.Eventually(t, func() bool { return len(adapter.Writes()) == 1 }, time.Second, time.Millisecond)

	adapter.failRead(errors.New("connection reset"))

	var terr *transport.Error
	err := <-errs
	require.True(t, errors.As(err, &terr), "got %v", err)
	assert.Equal(t, "read", terr.Op)

	select {
	case err := <-fatal:
		assert.True(t, errors.As(err, &terr))
	case <-time.After(time.Second):
		t.Fatal("fatal handler not called")
	}

	assert.False(t, s.IsOpen())
	_, err = s.Submit(context.Background(), "ATI", 0)
	assert.True(t, errors.As(err, &terr))
}

func TestSchedulerWriteFailure(t *testing.T) {
	adapter := newFakeAdapter(nil)
	adapter.writeErr = errors.New("broken pipe")
	s := openScheduler(t, testConfig(), adapter)

	_, err := s.Submit(context.Background(), "ATI", 0)
	var terr *transport.Error
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, "write", terr.Op)
}

func TestSchedulerOpenFailure(t *testing.T) {
	adapter := newFakeAdapter(nil)
	adapter.openErr = errors.New("permission denied")
	s := NewScheduler(testConfig(), nil, zaptest.NewLogger(t), nil)

	err := s.Open(context.Background(), adapter)
	require.Error(t, err)
	_, err = s.Submit(context.Background(), "ATI", 0)
	assert.True(t, errors.Is(err, ErrNotConnected))
}

func TestSchedulerCallerContext(t *testing.T) {
	adapter := newFakeAdapter(nil)
	s := openScheduler(t, testConfig(), adapter)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Submit(ctx, "SILENT", time.Second)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestSchedulerMetrics(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	adapter := newFakeAdapter(nil)
	s := NewScheduler(testConfig(), nil, zaptest.NewLogger(t), m)
	require.NoError(t, s.Open(context.Background(), adapter))
	defer s.Close()

	_, err := s.Submit(context.Background(), "010C", 0)
	require.NoError(t, err)
	_, err = s.Submit(context.Background(), "SILENT", 30*time.Millisecond)
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CommandsTotal.WithLabelValues(metrics.ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CommandsTotal.WithLabelValues(metrics.ResultTimeout)))
}
