package supervisor

import (
	"fmt"

	"gocv.io/x/gocv"
)

// RTSPSource reads frames from an RTSP stream through OpenCV's FFmpeg
// backend. Transport hints (TCP, socket timeout) come from the
// OPENCV_FFMPEG_CAPTURE_OPTIONS environment variable set at startup.
type RTSPSource struct {
	addr string
	cap  *gocv.VideoCapture
}

func NewRTSPSource(addr string) *RTSPSource {
	return &RTSPSource{addr: addr}
}

func (s *RTSPSource) Open() error {
	cap, err := gocv.OpenVideoCaptureWithAPI(s.addr, gocv.VideoCaptureFFmpeg)
	if err != nil {
		return fmt.Errorf("open capture: %w", err)
	}
	if !cap.IsOpened() {
		cap.Close()
		return fmt.Errorf("capture not opened: %s", s.addr)
	}
	// Keep latency down: smallest internal buffer, modest frame rate.
	cap.Set(gocv.VideoCaptureBufferSize, 1)
	cap.Set(gocv.VideoCaptureFPS, 15)
	s.cap = cap
	return nil
}

func (s *RTSPSource) IsOpened() bool {
	return s.cap != nil && s.cap.IsOpened()
}

func (s *RTSPSource) Read(m *gocv.Mat) bool {
	return s.cap != nil && s.cap.Read(m)
}

func (s *RTSPSource) Close() error {
	if s.cap == nil {
		return nil
	}
	err := s.cap.Close()
	s.cap = nil
	return err
}
