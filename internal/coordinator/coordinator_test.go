package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// fakeController counts start/stop calls and can inject failures and
// latency.
type fakeController struct {
	mu        sync.Mutex
	starts    int
	stops     int
	startErr  error
	stopErr   error
	callDelay time.Duration
	lastTrack int
}

func (f *fakeController) StartTrack(ctx context.Context, trackID int) error {
	if f.callDelay > 0 {
		time.Sleep(f.callDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.lastTrack = trackID
	return f.startErr
}

func (f *fakeController) StopTrack(ctx context.Context, trackID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.lastTrack = trackID
	return f.stopErr
}

func (f *fakeController) counts() (starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

func testConfig() Config {
	return Config{
		Camera:          "driveway",
		Channel:         1,
		Threshold:       500,
		Cooldown:        30 * time.Second,
		NoMotionTimeout: time.Hour, // effectively no watchdog stop
		PollInterval:    5 * time.Millisecond,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestBelowThresholdIgnored(t *testing.T) {
	ctrl := &fakeController{}
	c := New(testConfig(), ctrl, nil, zap.NewNop())

	c.OnMotion(context.Background(), 500, time.Now()) // equal is not motion
	c.OnMotion(context.Background(), 10, time.Now())

	if starts, _ := ctrl.counts(); starts != 0 {
		t.Errorf("starts = %d, want 0", starts)
	}
	if !c.LastMotion().IsZero() {
		t.Error("lastMotion advanced on a below-threshold score")
	}
}

func TestStartOnceWhileRecording(t *testing.T) {
	ctrl := &fakeController{}
	c := New(testConfig(), ctrl, nil, zap.NewNop())

	base := time.Now()
	c.OnMotion(context.Background(), 800, base)
	c.OnMotion(context.Background(), 900, base.Add(2*time.Second))
	c.OnMotion(context.Background(), 700, base.Add(5*time.Second))

	starts, stops := ctrl.counts()
	if starts != 1 {
		t.Errorf("starts = %d, want 1", starts)
	}
	if stops != 0 {
		t.Errorf("stops = %d, want 0", stops)
	}
	if !c.Recording() {
		t.Error("expected recording to remain active")
	}
	if got := c.LastMotion(); !got.Equal(base.Add(5 * time.Second)) {
		t.Errorf("lastMotion = %v, want the latest event time", got)
	}
	if ctrl.lastTrack != 101 {
		t.Errorf("track = %d, want 101 for channel 1", ctrl.lastTrack)
	}
}

func TestLastMotionAdvancesWithoutTransition(t *testing.T) {
	ctrl := &fakeController{}
	c := New(testConfig(), ctrl, nil, zap.NewNop())

	base := time.Now()
	c.OnMotion(context.Background(), 800, base)
	for i := 1; i <= 5; i++ {
		c.OnMotion(context.Background(), 600, base.Add(time.Duration(i)*time.Second))
	}

	if got := c.LastMotion(); !got.Equal(base.Add(5 * time.Second)) {
		t.Errorf("lastMotion = %v, want base+5s even though no transition fired", got)
	}
}

func TestCooldownSuppressesRestart(t *testing.T) {
	cfg := testConfig()
	cfg.NoMotionTimeout = 20 * time.Millisecond
	ctrl := &fakeController{}
	c := New(cfg, ctrl, nil, zap.NewNop())

	c.OnMotion(context.Background(), 800, time.Now())
	waitFor(t, time.Second, func() bool {
		_, stops := ctrl.counts()
		return stops == 1
	})

	// Within cooldown of the last motion: suppressed.
	c.OnMotion(context.Background(), 800, c.LastMotion().Add(10*time.Second))
	if starts, _ := ctrl.counts(); starts != 1 {
		t.Fatalf("starts = %d, want 1 (cooldown suppression)", starts)
	}

	// Past the cooldown: a new episode starts.
	c.OnMotion(context.Background(), 800, c.LastMotion().Add(cfg.Cooldown))
	if starts, _ := ctrl.counts(); starts != 2 {
		t.Errorf("starts = %d, want 2 after cooldown elapsed", starts)
	}
}

func TestWatchdogStopsAfterTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.NoMotionTimeout = 40 * time.Millisecond
	ctrl := &fakeController{}
	c := New(cfg, ctrl, nil, zap.NewNop())

	start := time.Now()
	c.OnMotion(context.Background(), 800, start)

	// No stop may fire while motion is still fresh.
	time.Sleep(20 * time.Millisecond)
	if _, stops := ctrl.counts(); stops != 0 {
		t.Fatal("watchdog stopped before the no-motion timeout elapsed")
	}

	waitFor(t, time.Second, func() bool {
		_, stops := ctrl.counts()
		return stops == 1
	})
	if c.Recording() {
		t.Error("recording flag still set after watchdog stop")
	}
	waitFor(t, time.Second, func() bool { return !c.watchdogActive() })

	// Exactly one stop, ever.
	time.Sleep(30 * time.Millisecond)
	if _, stops := ctrl.counts(); stops != 1 {
		t.Errorf("stops = %d, want exactly 1", stops)
	}
}

func TestMotionKeepsWatchdogAlive(t *testing.T) {
	cfg := testConfig()
	cfg.NoMotionTimeout = 60 * time.Millisecond
	ctrl := &fakeController{}
	c := New(cfg, ctrl, nil, zap.NewNop())

	c.OnMotion(context.Background(), 800, time.Now())
	for i := 0; i < 5; i++ {
		time.Sleep(20 * time.Millisecond)
		c.OnMotion(context.Background(), 800, time.Now())
	}

	if _, stops := ctrl.counts(); stops != 0 {
		t.Fatal("watchdog stopped despite continuous motion")
	}

	waitFor(t, time.Second, func() bool {
		_, stops := ctrl.counts()
		return stops == 1
	})
}

func TestStartFailureLeavesStateRetryable(t *testing.T) {
	cfg := testConfig()
	cfg.Cooldown = 0
	ctrl := &fakeController{startErr: errors.New("connection refused")}
	c := New(cfg, ctrl, nil, zap.NewNop())

	c.OnMotion(context.Background(), 800, time.Now())
	if c.Recording() {
		t.Fatal("recording set after a failed start")
	}
	if c.watchdogActive() {
		t.Fatal("watchdog spawned after a failed start")
	}

	// Recovered network: the next qualifying event starts normally.
	ctrl.mu.Lock()
	ctrl.startErr = nil
	ctrl.mu.Unlock()

	c.OnMotion(context.Background(), 800, time.Now())
	if !c.Recording() {
		t.Error("expected retry to start recording")
	}
	if starts, _ := ctrl.counts(); starts != 2 {
		t.Errorf("starts = %d, want 2", starts)
	}
}

func TestStopFailureStillClearsState(t *testing.T) {
	cfg := testConfig()
	cfg.NoMotionTimeout = 20 * time.Millisecond
	ctrl := &fakeController{stopErr: errors.New("timeout")}
	c := New(cfg, ctrl, nil, zap.NewNop())

	c.OnMotion(context.Background(), 800, time.Now())
	waitFor(t, time.Second, func() bool {
		_, stops := ctrl.counts()
		return stops == 1
	})
	waitFor(t, time.Second, func() bool { return !c.Recording() })
	waitFor(t, time.Second, func() bool { return !c.watchdogActive() })
}

func TestConcurrentMotionSingleStart(t *testing.T) {
	ctrl := &fakeController{callDelay: 30 * time.Millisecond}
	c := New(testConfig(), ctrl, nil, zap.NewNop())

	now := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.OnMotion(context.Background(), 800, now)
		}()
	}
	wg.Wait()

	if starts, _ := ctrl.counts(); starts != 1 {
		t.Errorf("starts = %d, want exactly 1 under concurrent events", starts)
	}
}

func TestShutdownStopsWatchdog(t *testing.T) {
	ctrl := &fakeController{}
	c := New(testConfig(), ctrl, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	c.OnMotion(ctx, 800, time.Now())
	waitFor(t, time.Second, func() bool { return c.watchdogActive() })

	cancel()
	waitFor(t, time.Second, func() bool { return !c.watchdogActive() })

	// Shutdown does not issue a stop call; in-flight recordings are left
	// to the recorder.
	if _, stops := ctrl.counts(); stops != 0 {
		t.Errorf("stops = %d, want 0 on shutdown", stops)
	}
}

// sinkRecorder captures episode notifications.
type sinkRecorder struct {
	mu      sync.Mutex
	started []Episode
	ended   []Episode
}

func (s *sinkRecorder) EpisodeStarted(ep Episode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, ep)
}

func (s *sinkRecorder) EpisodeEnded(ep Episode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = append(s.ended, ep)
}

func TestEpisodeLifecycleNotifications(t *testing.T) {
	cfg := testConfig()
	cfg.NoMotionTimeout = 20 * time.Millisecond
	ctrl := &fakeController{}
	sink := &sinkRecorder{}
	c := New(cfg, ctrl, sink, zap.NewNop())

	base := time.Now()
	c.OnMotion(context.Background(), 800, base)
	c.OnMotion(context.Background(), 1200, base.Add(time.Millisecond))

	waitFor(t, time.Second, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.started) == 1 && len(sink.ended) == 1
	})

	sink.mu.Lock()
	defer sink.mu.Unlock()
	started, ended := sink.started[0], sink.ended[0]
	if started.ID == "" || started.ID != ended.ID {
		t.Errorf("episode IDs: started %q, ended %q, want matching non-empty", started.ID, ended.ID)
	}
	if started.Camera != "driveway" || started.Channel != 1 {
		t.Errorf("episode identity = %s/%d, want driveway/1", started.Camera, started.Channel)
	}
	if ended.PeakScore != 1200 {
		t.Errorf("peak score = %v, want 1200", ended.PeakScore)
	}
	if !ended.StopOK {
		t.Error("stopOK = false, want true")
	}
	if ended.EndedAt.IsZero() {
		t.Error("endedAt not set")
	}
}
