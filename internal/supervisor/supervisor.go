// Package supervisor runs the per-camera detection loop: frames in,
// scores out, motion events dispatched without ever blocking the loop.
package supervisor

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// FrameSource produces frames for one camera.
type FrameSource interface {
	Open() error
	IsOpened() bool
	// Read fills m with the next frame; false means the stream needs to
	// be reopened.
	Read(m *gocv.Mat) bool
	Close() error
}

// Scorer turns a frame into a motion-area score.
type Scorer interface {
	Score(frame gocv.Mat) float64
}

// MotionSink receives qualifying motion events.
type MotionSink interface {
	OnMotion(ctx context.Context, score float64, now time.Time)
	Recording() bool
}

// TriggerHook is called with the frame that tripped the threshold while
// no recording was active. The hook owns the frame and must close it.
type TriggerHook func(ctx context.Context, camera string, score float64, frame gocv.Mat)

// Config holds the per-camera loop parameters.
type Config struct {
	Camera        string
	Threshold     float64
	FrameInterval time.Duration // pacing delay per iteration, default 33ms
	ReconnectMin  time.Duration // initial reconnect backoff, default 2s
	ReconnectMax  time.Duration // backoff cap, default 30s
}

// Supervisor binds one frame source, one detector and one coordinator,
// and owns the camera's long-lived loop.
type Supervisor struct {
	cfg    Config
	source FrameSource
	scorer Scorer
	sink   MotionSink
	hook   TriggerHook // optional
	logger *zap.Logger

	frames     int64
	reconnects int
}

func New(cfg Config, source FrameSource, scorer Scorer, sink MotionSink, logger *zap.Logger) *Supervisor {
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = 33 * time.Millisecond
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = 2 * time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	return &Supervisor{
		cfg:    cfg,
		source: source,
		scorer: scorer,
		sink:   sink,
		logger: logger.Named("supervisor").With(zap.String("camera", cfg.Camera)),
	}
}

// SetTriggerHook installs a hook for trigger frames. Must be called
// before Run.
func (s *Supervisor) SetTriggerHook(hook TriggerHook) {
	s.hook = hook
}

// Run drives the detection loop until ctx is cancelled. Source failures
// are never fatal; the loop reconnects with exponential backoff.
func (s *Supervisor) Run(ctx context.Context) {
	defer s.source.Close()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.ReconnectMin
	bo.MaxInterval = s.cfg.ReconnectMax
	bo.MaxElapsedTime = 0 // retry forever

	frame := gocv.NewMat()
	defer frame.Close()

	s.logger.Info("detection loop started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("detection loop stopped",
				zap.Int64("frames", s.frames),
				zap.Int("reconnects", s.reconnects))
			return
		default:
		}

		if !s.source.IsOpened() {
			if err := s.source.Open(); err != nil {
				wait := bo.NextBackOff()
				s.logger.Warn("stream connect failed",
					zap.Error(err),
					zap.Int("reconnects", s.reconnects),
					zap.Duration("retry_in", wait))
				if !s.sleep(ctx, wait) {
					return
				}
				continue
			}
			s.reconnects++
			bo.Reset()
			s.logger.Info("stream connected", zap.Int("reconnects", s.reconnects))
		}

		if !s.source.Read(&frame) || frame.Empty() {
			s.logger.Warn("frame read failed, reopening stream")
			s.source.Close()
			if !s.sleep(ctx, s.cfg.FrameInterval) {
				return
			}
			continue
		}
		s.frames++

		score := s.scorer.Score(frame)
		if score > s.cfg.Threshold {
			if !s.sink.Recording() {
				s.logger.Info("motion detected",
					zap.Float64("area", score),
					zap.Int64("frame", s.frames))
				if s.hook != nil {
					s.hook(ctx, s.cfg.Camera, score, frame.Clone())
				}
			}
			// Deliver off the loop goroutine so a slow control call
			// never stalls frame processing.
			go s.sink.OnMotion(ctx, score, time.Now())
		}

		if !s.sleep(ctx, s.cfg.FrameInterval) {
			return
		}
	}
}

func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		s.logger.Info("detection loop stopped",
			zap.Int64("frames", s.frames),
			zap.Int("reconnects", s.reconnects))
		return false
	case <-timer.C:
		return true
	}
}

// Frames returns the number of frames processed.
func (s *Supervisor) Frames() int64 { return s.frames }

// Reconnects returns the number of successful stream (re)connects.
func (s *Supervisor) Reconnects() int { return s.reconnects }
