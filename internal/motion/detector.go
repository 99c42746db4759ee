// Package motion scores frames against an adaptive reference image.
package motion

import (
	"image"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

const (
	// refreshInterval is the unconditional reference replacement period,
	// in frames. Absorbs slow lighting drift.
	refreshInterval = 300

	// quietFraction of the camera threshold under which the scene is
	// considered empty and the reference is re-learned immediately.
	quietFraction = 0.1

	diffThreshold    = 25
	blurKernelSize   = 21
	dilateIterations = 2
)

// Detector computes a motion-area score for each frame of one camera.
// It owns the reference frame exclusively and must only be called from a
// single goroutine; it holds no locks.
type Detector struct {
	threshold  float64
	reference  gocv.Mat
	hasRef     bool
	frameCount int
	logger     *zap.Logger
}

// NewDetector creates a detector for a camera with the given motion-area
// threshold. The threshold is only used for the quiet-scene refresh
// policy; the caller decides what score counts as motion.
func NewDetector(threshold float64, logger *zap.Logger) *Detector {
	return &Detector{
		threshold: threshold,
		logger:    logger.Named("motion"),
	}
}

// Score returns the aggregate contour area differing from the reference
// frame. The first frame seeds the reference and scores zero.
func (d *Detector) Score(frame gocv.Mat) float64 {
	d.frameCount++

	prepared := d.prepare(frame)

	if !d.hasRef {
		d.reference = prepared
		d.hasRef = true
		d.logger.Info("reference frame set")
		return 0
	}

	delta := gocv.NewMat()
	gocv.AbsDiff(d.reference, prepared, &delta)

	thresh := gocv.NewMat()
	gocv.Threshold(delta, &thresh, diffThreshold, 255, gocv.ThresholdBinary)
	delta.Close()

	kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(3, 3))
	for i := 0; i < dilateIterations; i++ {
		gocv.Dilate(thresh, &thresh, kernel)
	}
	kernel.Close()

	contours := gocv.FindContours(thresh, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	var area float64
	for i := 0; i < contours.Size(); i++ {
		area += gocv.ContourArea(contours.At(i))
	}
	contours.Close()
	thresh.Close()

	d.refresh(prepared, area)
	return area
}

// prepare converts a frame to the blurred greyscale working format. The
// returned Mat is owned by the caller.
func (d *Detector) prepare(frame gocv.Mat) gocv.Mat {
	gray := gocv.NewMat()
	if frame.Channels() > 1 {
		gocv.CvtColor(frame, &gray, gocv.ColorBGRToGray)
	} else {
		frame.CopyTo(&gray)
	}

	blurred := gocv.NewMat()
	gocv.GaussianBlur(gray, &blurred, image.Pt(blurKernelSize, blurKernelSize), 0, 0, gocv.BorderDefault)
	gray.Close()
	return blurred
}

// refresh applies the two independent reference replacement policies:
// every refreshInterval frames, and whenever the scene is quiet. Takes
// ownership of prepared either way.
func (d *Detector) refresh(prepared gocv.Mat, score float64) {
	quiet := score < d.threshold*quietFraction
	if d.frameCount%refreshInterval != 0 && !quiet {
		prepared.Close()
		return
	}

	d.reference.Close()
	d.reference = prepared

	if quiet && d.frameCount%30 == 0 {
		d.logger.Debug("reference refreshed on quiet scene",
			zap.Int("frame", d.frameCount),
			zap.Float64("score", score))
	}
}

// FrameCount returns the number of frames scored so far.
func (d *Detector) FrameCount() int {
	return d.frameCount
}

// Close releases the reference frame.
func (d *Detector) Close() {
	if d.hasRef {
		d.reference.Close()
		d.hasRef = false
	}
}
