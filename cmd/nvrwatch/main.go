package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gocv.io/x/gocv"

	"nvrwatch/internal/config"
	"nvrwatch/internal/coordinator"
	"nvrwatch/internal/journal"
	"nvrwatch/internal/motion"
	"nvrwatch/internal/nvr"
	"nvrwatch/internal/orchestrator"
	"nvrwatch/internal/snapshot"
	"nvrwatch/internal/supervisor"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nvrwatch: %v\n", err)
		os.Exit(1)
	}

	logger := buildLogger(cfg.Log)
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	// OpenCV's FFmpeg backend reads these at capture open time: RTSP
	// over TCP with a socket timeout, so a dead camera fails fast
	// instead of hanging the loop.
	os.Setenv("OPENCV_FFMPEG_CAPTURE_OPTIONS", "rtsp_transport;tcp|timeout;5000000")

	client := nvr.NewClient(cfg.NVR.Host, cfg.NVR.User, cfg.NVR.Pass, cfg.NVR.RequestTimeout, logger)

	var sink coordinator.EpisodeSink
	if cfg.Journal.DSN != "" {
		j, err := journal.Open(cfg.Journal.DSN, logger)
		if err != nil {
			return err
		}
		defer j.Close()
		sink = j
	}

	var snaps *snapshot.Store
	if cfg.Snapshots.Endpoint != "" {
		var err error
		snaps, err = snapshot.NewStore(snapshot.Config{
			Endpoint:        cfg.Snapshots.Endpoint,
			AccessKeyID:     cfg.Snapshots.AccessKeyID,
			SecretAccessKey: cfg.Snapshots.SecretAccessKey,
			UseSSL:          cfg.Snapshots.UseSSL,
			Bucket:          cfg.Snapshots.Bucket,
		}, logger)
		if err != nil {
			return err
		}
	}

	orch := orchestrator.New(logger)
	for _, cam := range cfg.Cameras {
		camLogger := logger.With(zap.String("camera", cam.Name))

		coord := coordinator.New(coordinator.Config{
			Camera:          cam.Name,
			Channel:         cam.NVRChannel,
			Threshold:       cam.Threshold,
			Cooldown:        cfg.Cooldown,
			NoMotionTimeout: cam.NoMotionTimeout,
		}, client, sink, camLogger)

		detector := motion.NewDetector(cam.Threshold, camLogger)
		defer detector.Close()

		sup := supervisor.New(supervisor.Config{
			Camera:        cam.Name,
			Threshold:     cam.Threshold,
			FrameInterval: config.DefaultFrameInterval,
		}, supervisor.NewRTSPSource(cam.RTSP), detector, coord, camLogger)

		if snaps != nil {
			sup.SetTriggerHook(func(ctx context.Context, camera string, score float64, frame gocv.Mat) {
				go snaps.Save(ctx, camera, score, frame)
			})
		}
		orch.Add(sup)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting motion detectors",
		zap.Int("cameras", len(cfg.Cameras)),
		zap.String("nvr", cfg.NVR.Host))
	orch.Run(ctx)
	logger.Info("stopped all cameras")
	return nil
}

func buildLogger(cfg config.LogConfig) *zap.Logger {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		if lvl, err := zapcore.ParseLevel(cfg.Level); err == nil {
			zc.Level = zap.NewAtomicLevelAt(lvl)
		}
	}
	logger, err := zc.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "nvrwatch: build logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}
