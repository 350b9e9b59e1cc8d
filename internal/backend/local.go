// Package backend provides a manifest-driven implementation of the
// pipeline's scientific boundary. A workspace manifest (scans.yml)
// declares each scan's acquisition parameters; all derived quantities are
// computed deterministically from the scan key, so repeated populate runs
// commit identical rows.
package backend

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"

	"gopkg.in/yaml.v3"

	"scanline/internal/key"
	"scanline/internal/pipeline"
)

// ManifestScan is one scan entry in scans.yml.
type ManifestScan struct {
	AnimalID      int       `yaml:"animal_id"`
	Session       int       `yaml:"session"`
	ScanIdx       int       `yaml:"scan_idx"`
	NSlices       int       `yaml:"nslices"`
	NChannels     int       `yaml:"nchannels"`
	NFrames       int       `yaml:"nframes"`
	PxHeight      int       `yaml:"px_height"`
	PxWidth       int       `yaml:"px_width"`
	UmHeight      float64   `yaml:"um_height"`
	UmWidth       float64   `yaml:"um_width"`
	FPS           float64   `yaml:"fps"`
	Zoom          float64   `yaml:"zoom"`
	Bidirectional bool      `yaml:"bidirectional"`
	FillFraction  float64   `yaml:"fill_fraction"`
	Depths        []float64 `yaml:"depths"`
	NMasks        int       `yaml:"nmasks"`
}

// Manifest is the top-level scans.yml document.
type Manifest struct {
	Scans []ManifestScan `yaml:"scans"`
}

// Local implements pipeline.Backend from a manifest.
type Local struct {
	order []ManifestScan
	scans map[string]ManifestScan
}

// LoadLocal reads and indexes a manifest file.
func LoadLocal(path string) (*Local, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return NewLocal(m)
}

// NewLocal builds a backend from an already-parsed manifest.
func NewLocal(m Manifest) (*Local, error) {
	l := &Local{scans: make(map[string]ManifestScan, len(m.Scans))}
	for _, s := range m.Scans {
		if s.NSlices <= 0 {
			return nil, fmt.Errorf("manifest scan %d/%d/%d: nslices must be positive", s.AnimalID, s.Session, s.ScanIdx)
		}
		if len(s.Depths) == 0 {
			s.Depths = make([]float64, s.NSlices)
			for i := range s.Depths {
				s.Depths[i] = float64(i) * 50
			}
		}
		if len(s.Depths) != s.NSlices {
			return nil, fmt.Errorf("manifest scan %d/%d/%d: %d depths for %d slices", s.AnimalID, s.Session, s.ScanIdx, len(s.Depths), s.NSlices)
		}
		if s.NMasks == 0 {
			s.NMasks = 8
		}
		id := scanID(s.AnimalID, s.Session, s.ScanIdx)
		if _, dup := l.scans[id]; dup {
			return nil, fmt.Errorf("manifest scan %s listed twice", id)
		}
		l.scans[id] = s
		l.order = append(l.order, s)
	}
	return l, nil
}

// ScanKeys returns one scan-level key per manifest entry, in manifest order.
func (l *Local) ScanKeys() []key.Key {
	out := make([]key.Key, 0, len(l.order))
	for _, s := range l.order {
		out = append(out, key.New(
			key.Attr{Name: "animal_id", Value: fmt.Sprint(s.AnimalID)},
			key.Attr{Name: "session", Value: fmt.Sprint(s.Session)},
			key.Attr{Name: "scan_idx", Value: fmt.Sprint(s.ScanIdx)},
		))
	}
	return out
}

func scanID(animal, session, idx int) string {
	return fmt.Sprintf("%d/%d/%d", animal, session, idx)
}

func (l *Local) lookup(k key.Key) (ManifestScan, error) {
	animal, ok1 := k.Get("animal_id")
	session, ok2 := k.Get("session")
	idx, ok3 := k.Get("scan_idx")
	if !ok1 || !ok2 || !ok3 {
		return ManifestScan{}, fmt.Errorf("key %s does not identify a scan", k)
	}
	s, ok := l.scans[animal+"/"+session+"/"+idx]
	if !ok {
		return ManifestScan{}, fmt.Errorf("scan %s/%s/%s not in manifest", animal, session, idx)
	}
	return s, nil
}

// seed derives a stable pseudo-random value in [0, 1) from the key and a
// per-quantity label.
func seed(k key.Key, label string) float64 {
	h := fnv.New64a()
	h.Write([]byte(k.Encode()))
	h.Write([]byte{0})
	h.Write([]byte(label))
	return float64(h.Sum64()%100000) / 100000
}

func (l *Local) ScanInfo(ctx context.Context, k key.Key) (pipeline.ScanMetadata, error) {
	s, err := l.lookup(k)
	if err != nil {
		return pipeline.ScanMetadata{}, err
	}
	return pipeline.ScanMetadata{
		NSlices:       s.NSlices,
		NChannels:     s.NChannels,
		NFrames:       s.NFrames,
		PxHeight:      s.PxHeight,
		PxWidth:       s.PxWidth,
		UmHeight:      s.UmHeight,
		UmWidth:       s.UmWidth,
		FPS:           s.FPS,
		Zoom:          s.Zoom,
		Bidirectional: s.Bidirectional,
		FillFraction:  s.FillFraction,
		Depths:        append([]float64(nil), s.Depths...),
	}, nil
}

func (l *Local) RasterPhase(ctx context.Context, k key.Key, channel int) (pipeline.RasterResult, error) {
	if _, err := l.lookup(k); err != nil {
		return pipeline.RasterResult{}, err
	}
	return pipeline.RasterResult{
		RasterPhase:  (seed(k, "raster_phase") - 0.5) * 0.1,
		TemplateMean: 100 + seed(k, "template_mean")*50,
	}, nil
}

func (l *Local) MotionShifts(ctx context.Context, k key.Key, slices []int) (pipeline.MotionResult, error) {
	if _, err := l.lookup(k); err != nil {
		return pipeline.MotionResult{}, err
	}
	res := pipeline.MotionResult{Slices: make([]pipeline.SliceShifts, 0, len(slices))}
	for _, s := range slices {
		label := fmt.Sprintf("motion/%d", s)
		res.Slices = append(res.Slices, pipeline.SliceShifts{
			Slice:     s,
			YStd:      seed(k, label+"/y") * 2,
			XStd:      seed(k, label+"/x") * 2,
			YOutliers: int(seed(k, label+"/yo") * 10),
			XOutliers: int(seed(k, label+"/xo") * 10),
		})
	}
	return res, nil
}

func (l *Local) SummaryImages(ctx context.Context, k key.Key, nchannels int) (pipeline.SummaryResult, error) {
	if _, err := l.lookup(k); err != nil {
		return pipeline.SummaryResult{}, err
	}
	res := pipeline.SummaryResult{Channels: make([]pipeline.ChannelSummary, 0, nchannels)}
	for c := 1; c <= nchannels; c++ {
		label := fmt.Sprintf("summary/%d", c)
		res.Channels = append(res.Channels, pipeline.ChannelSummary{
			Channel:     c,
			Average:     100 + seed(k, label+"/avg")*100,
			Correlation: seed(k, label+"/corr"),
		})
	}
	return res, nil
}

func (l *Local) SegmentMasks(ctx context.Context, k key.Key, method string) (pipeline.SegmentationResult, error) {
	s, err := l.lookup(k)
	if err != nil {
		return pipeline.SegmentationResult{}, err
	}
	res := pipeline.SegmentationResult{Masks: make([]pipeline.Mask, 0, s.NMasks)}
	for id := 1; id <= s.NMasks; id++ {
		label := fmt.Sprintf("mask/%s/%d", method, id)
		res.Masks = append(res.Masks, pipeline.Mask{
			MaskID: id,
			Pixels: 20 + int(seed(k, label+"/px")*200),
			Weight: seed(k, label+"/w"),
		})
	}
	return res, nil
}

func (l *Local) ExtractTraces(ctx context.Context, k key.Key, maskIDs []int) (pipeline.TraceResult, error) {
	if _, err := l.lookup(k); err != nil {
		return pipeline.TraceResult{}, err
	}
	res := pipeline.TraceResult{Traces: make([]pipeline.Trace, 0, len(maskIDs))}
	for _, id := range maskIDs {
		label := fmt.Sprintf("trace/%d", id)
		res.Traces = append(res.Traces, pipeline.Trace{
			MaskID: id,
			Mean:   50 + seed(k, label+"/mean")*100,
			Std:    seed(k, label+"/std") * 20,
		})
	}
	return res, nil
}

func (l *Local) ClassifyMasks(ctx context.Context, k key.Key, maskIDs []int) (pipeline.ClassificationResult, error) {
	if _, err := l.lookup(k); err != nil {
		return pipeline.ClassificationResult{}, err
	}
	res := pipeline.ClassificationResult{Types: make([]pipeline.MaskType, 0, len(maskIDs))}
	for _, id := range maskIDs {
		typ := "soma"
		if seed(k, fmt.Sprintf("class/%d", id)) < 0.2 {
			typ = "artifact"
		}
		res.Types = append(res.Types, pipeline.MaskType{MaskID: id, Type: typ})
	}
	return res, nil
}

func (l *Local) InferActivity(ctx context.Context, k key.Key, maskIDs []int) (pipeline.ActivityResult, error) {
	if _, err := l.lookup(k); err != nil {
		return pipeline.ActivityResult{}, err
	}
	res := pipeline.ActivityResult{Spikes: make([]pipeline.Spike, 0, len(maskIDs))}
	for _, id := range maskIDs {
		res.Spikes = append(res.Spikes, pipeline.Spike{
			MaskID: id,
			Rate:   seed(k, fmt.Sprintf("activity/%d", id)) * 5,
		})
	}
	return res, nil
}

var _ pipeline.Backend = (*Local)(nil)
