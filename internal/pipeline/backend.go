package pipeline

import (
	"context"

	"scanline/internal/key"
)

// Backend is the boundary to the scientific code: scan decoding and the
// numerical algorithms run behind it. Every method must be a pure function
// of its arguments and the committed upstream state it is handed, so that
// recomputing a key is always safe.
type Backend interface {
	ScanInfo(ctx context.Context, k key.Key) (ScanMetadata, error)
	RasterPhase(ctx context.Context, k key.Key, channel int) (RasterResult, error)
	MotionShifts(ctx context.Context, k key.Key, slices []int) (MotionResult, error)
	SummaryImages(ctx context.Context, k key.Key, nchannels int) (SummaryResult, error)
	SegmentMasks(ctx context.Context, k key.Key, method string) (SegmentationResult, error)
	ExtractTraces(ctx context.Context, k key.Key, maskIDs []int) (TraceResult, error)
	ClassifyMasks(ctx context.Context, k key.Key, maskIDs []int) (ClassificationResult, error)
	InferActivity(ctx context.Context, k key.Key, maskIDs []int) (ActivityResult, error)
}

// ScanMetadata is the header-level description of one scan.
type ScanMetadata struct {
	NSlices       int
	NChannels     int
	NFrames       int
	PxHeight      int
	PxWidth       int
	UmHeight      float64
	UmWidth       float64
	FPS           float64
	Zoom          float64
	Bidirectional bool
	FillFraction  float64
	// Depths holds the absolute depth of each slice, surface-relative.
	Depths []float64
}

type RasterResult struct {
	RasterPhase  float64
	TemplateMean float64
}

type SliceShifts struct {
	Slice     int
	YStd      float64
	XStd      float64
	YOutliers int
	XOutliers int
}

type MotionResult struct {
	Slices []SliceShifts
}

type ChannelSummary struct {
	Channel     int
	Average     float64
	Correlation float64
}

type SummaryResult struct {
	Channels []ChannelSummary
}

type Mask struct {
	MaskID int
	Pixels int
	Weight float64
}

type SegmentationResult struct {
	Masks []Mask
}

type Trace struct {
	MaskID int
	Mean   float64
	Std    float64
}

type TraceResult struct {
	Traces []Trace
}

type MaskType struct {
	MaskID int
	Type   string
}

type ClassificationResult struct {
	Types []MaskType
}

type Spike struct {
	MaskID int
	Rate   float64
}

type ActivityResult struct {
	Spikes []Spike
}
