// Package coordinator owns the per-camera recording state machine: it
// decides when a motion event starts a recording, and supervises the
// no-motion watchdog that stops it.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"nvrwatch/internal/nvr"
)

// Episode is one recording span, from an accepted start to its stop.
type Episode struct {
	ID        string
	Camera    string
	Channel   int
	StartedAt time.Time
	EndedAt   time.Time
	PeakScore float64
	StopOK    bool
}

// EpisodeSink receives episode lifecycle notifications. Implementations
// must be safe for concurrent use; calls are fire-and-forget.
type EpisodeSink interface {
	EpisodeStarted(ep Episode)
	EpisodeEnded(ep Episode)
}

// Config holds the per-camera coordination parameters.
type Config struct {
	Camera          string
	Channel         int
	Threshold       float64
	Cooldown        time.Duration
	NoMotionTimeout time.Duration
	PollInterval    time.Duration // watchdog poll period, default 1s
}

// Coordinator serializes all recording decisions for one camera. OnMotion
// may be called from any number of goroutines; the watchdog runs on its
// own goroutine while an episode is active.
type Coordinator struct {
	cfg    Config
	ctrl   nvr.Controller
	sink   EpisodeSink // optional
	logger *zap.Logger

	mu           sync.Mutex
	recording    bool
	startPending bool
	watchdogOn   bool
	lastMotion   time.Time
	episode      Episode
}

func New(cfg Config, ctrl nvr.Controller, sink EpisodeSink, logger *zap.Logger) *Coordinator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Coordinator{
		cfg:    cfg,
		ctrl:   ctrl,
		sink:   sink,
		logger: logger.Named("coordinator").With(zap.String("camera", cfg.Camera)),
	}
}

// OnMotion handles one motion score observed at now. Scores at or below
// the threshold are ignored. A qualifying event always advances the
// last-motion time, even when no start is issued, because the watchdog
// keys off it.
func (c *Coordinator) OnMotion(ctx context.Context, score float64, now time.Time) {
	if score <= c.cfg.Threshold {
		return
	}

	c.mu.Lock()
	prevMotion := c.lastMotion
	if now.After(c.lastMotion) {
		c.lastMotion = now
	}
	if c.recording {
		if score > c.episode.PeakScore {
			c.episode.PeakScore = score
		}
		c.mu.Unlock()
		return
	}
	if c.startPending {
		// Another event is already mid-start; it wins.
		c.mu.Unlock()
		return
	}
	if !prevMotion.IsZero() && now.Sub(prevMotion) < c.cfg.Cooldown {
		c.mu.Unlock()
		return
	}
	c.startPending = true
	c.mu.Unlock()

	// Shutdown never aborts an in-flight control call; the client's own
	// request timeout bounds it.
	trackID := nvr.TrackID(c.cfg.Channel)
	err := c.ctrl.StartTrack(context.WithoutCancel(ctx), trackID)

	c.mu.Lock()
	c.startPending = false
	if err != nil {
		c.mu.Unlock()
		// A later motion event retries from scratch.
		c.logger.Error("start track failed",
			zap.Int("track", trackID),
			zap.Error(err))
		return
	}

	ep := Episode{
		ID:        uuid.NewString(),
		Camera:    c.cfg.Camera,
		Channel:   c.cfg.Channel,
		StartedAt: now,
		PeakScore: score,
	}
	c.recording = true
	c.episode = ep
	spawnWatchdog := !c.watchdogOn
	if spawnWatchdog {
		c.watchdogOn = true
	}
	c.mu.Unlock()

	c.logger.Info("recording started",
		zap.String("episode", ep.ID),
		zap.Int("channel", c.cfg.Channel),
		zap.Int("track", trackID),
		zap.Float64("score", score))

	if c.sink != nil {
		go c.sink.EpisodeStarted(ep)
	}
	if spawnWatchdog {
		go c.watchdog(ctx)
	}
}

// watchdog polls until motion has been absent for the no-motion timeout,
// then stops the track and exits. At most one watchdog runs per camera.
func (c *Coordinator) watchdog(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Shutdown: leave the track to the operator, just stop watching.
			c.mu.Lock()
			c.watchdogOn = false
			c.mu.Unlock()
			c.logger.Info("watchdog stopped on shutdown")
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		if !c.recording {
			c.watchdogOn = false
			c.mu.Unlock()
			return
		}
		idle := time.Since(c.lastMotion)
		if idle <= c.cfg.NoMotionTimeout {
			c.mu.Unlock()
			continue
		}
		ep := c.episode
		c.mu.Unlock()

		trackID := nvr.TrackID(c.cfg.Channel)
		err := c.ctrl.StopTrack(context.WithoutCancel(ctx), trackID)

		// Recording state clears on any outcome. A failed stop means the
		// recorder may still be recording while we believe otherwise; the
		// next motion episode's start resynchronizes it.
		c.mu.Lock()
		c.recording = false
		c.watchdogOn = false
		c.mu.Unlock()

		ep.EndedAt = time.Now()
		ep.StopOK = err == nil
		if err != nil {
			c.logger.Error("stop track failed, local state cleared anyway",
				zap.String("episode", ep.ID),
				zap.Int("track", trackID),
				zap.Error(err))
		} else {
			c.logger.Info("recording stopped",
				zap.String("episode", ep.ID),
				zap.Duration("idle", idle),
				zap.Duration("length", ep.EndedAt.Sub(ep.StartedAt)))
		}

		if c.sink != nil {
			go c.sink.EpisodeEnded(ep)
		}
		return
	}
}

// Recording reports whether an episode is active.
func (c *Coordinator) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording
}

// LastMotion returns the time of the most recent qualifying motion event.
func (c *Coordinator) LastMotion() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastMotion
}

func (c *Coordinator) watchdogActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watchdogOn
}
