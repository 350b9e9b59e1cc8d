// Package pipeline declares the two-photon imaging DAG: scan ingestion,
// raster and motion correction, summary images, segmentation, trace
// extraction and activity inference. The numerical work lives behind the
// Backend interface; this package contributes schemas, dependencies, key
// sources and the wiring of results into stage relations.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"scanline/internal/key"
	"scanline/internal/stage"
)

// Fully-qualified stage identifiers, as accepted by `worker populate`.
const (
	ScanID               = "experiment.scan"
	ScanIgnoredID        = "experiment.scan_ignored"
	CorrectionChannelID  = "reso.correction_channel"
	SegmentationTaskID   = "reso.segmentation_task"
	ScanInfoID           = "reso.scan_info"
	RasterCorrectionID   = "reso.raster_correction"
	MotionCorrectionID   = "reso.motion_correction"
	SummaryImagesID      = "reso.summary_images"
	SegmentationID       = "reso.segmentation"
	FluorescenceID       = "reso.fluorescence"
	MaskClassificationID = "reso.mask_classification"
	ActivityID           = "reso.activity"
)

var (
	scanSchema  = []string{"animal_id", "session", "scan_idx"}
	sliceSchema = []string{"animal_id", "session", "scan_idx", "slice"}
	fieldSchema = []string{"animal_id", "session", "scan_idx", "slice", "channel"}
)

// ErrUnknownMethod rejects segmentation tasks whose method the pipeline does
// not implement. This branch fails loudly; silently continuing would leave a
// task permanently half-processed.
var ErrUnknownMethod = errors.New("unknown segmentation method")

// Register adds the full imaging DAG to reg. Call Finalize on reg afterwards.
func Register(reg *stage.Registry, b Backend) error {
	stages := []*stage.Stage{
		{ID: ScanID, Schema: scanSchema},
		{ID: ScanIgnoredID, Schema: scanSchema},
		{ID: CorrectionChannelID, Schema: sliceSchema},
		{ID: SegmentationTaskID, Schema: fieldSchema},
		{
			ID:       ScanInfoID,
			Schema:   scanSchema,
			Upstream: []string{ScanID},
			Parts:    []stage.PartSpec{{Name: "slices", Disc: "slice"}},
			Source:   scanInfoSource,
			Compute:  scanInfoCompute(b),
			// Scan files appear on shared storage with some delay; reading
			// too early fails and should be retried on a later poll.
			RetryErrors: true,
		},
		{
			ID:       RasterCorrectionID,
			Schema:   sliceSchema,
			Upstream: []string{ScanInfoID, CorrectionChannelID},
			Source:   rasterSource,
			Compute:  rasterCompute(b),
		},
		{
			ID:       MotionCorrectionID,
			Schema:   scanSchema,
			Upstream: []string{RasterCorrectionID},
			Parts:    []stage.PartSpec{{Name: "slices", Disc: "slice"}},
			Source:   motionSource,
			Compute:  motionCompute(b),
		},
		{
			ID:       SummaryImagesID,
			Schema:   scanSchema,
			Upstream: []string{MotionCorrectionID},
			Parts:    []stage.PartSpec{{Name: "channels", Disc: "channel"}},
			Compute:  summaryCompute(b),
		},
		{
			ID:       SegmentationID,
			Schema:   fieldSchema,
			Upstream: []string{SummaryImagesID, SegmentationTaskID},
			Parts:    []stage.PartSpec{{Name: "masks", Disc: "mask_id"}},
			Compute:  segmentationCompute(b),
		},
		{
			ID:       FluorescenceID,
			Schema:   fieldSchema,
			Upstream: []string{SegmentationID},
			Parts:    []stage.PartSpec{{Name: "traces", Disc: "mask_id"}},
			Compute:  fluorescenceCompute(b),
		},
		{
			ID:       MaskClassificationID,
			Schema:   fieldSchema,
			Upstream: []string{SegmentationID},
			Parts:    []stage.PartSpec{{Name: "types", Disc: "mask_id"}},
			Source:   maskClassificationSource,
			Compute:  maskClassificationCompute(b),
		},
		{
			ID:       ActivityID,
			Schema:   fieldSchema,
			Upstream: []string{FluorescenceID},
			Parts:    []stage.PartSpec{{Name: "spikes", Disc: "mask_id"}},
			Compute:  activityCompute(b),
		},
	}
	for _, s := range stages {
		if err := reg.Register(s); err != nil {
			return err
		}
	}
	return nil
}

// scanInfoSource is scans minus ignored scans: ingestion skips anything an
// operator has marked ignored.
func scanInfoSource(ctx context.Context, r stage.Reader) ([]key.Key, error) {
	scans, err := r.DoneKeys(ctx, ScanID, scanSchema)
	if err != nil {
		return nil, err
	}
	ignored, err := r.DoneKeys(ctx, ScanIgnoredID, scanSchema)
	if err != nil {
		return nil, err
	}
	skip := make(map[string]bool, len(ignored))
	for _, k := range ignored {
		skip[k.Encode()] = true
	}
	var out []key.Key
	for _, k := range scans {
		if !skip[k.Encode()] {
			out = append(out, k)
		}
	}
	return out, nil
}

// rasterSource gates a whole scan until a correction channel has been chosen
// for every one of its slices, then emits one key per slice.
func rasterSource(ctx context.Context, r stage.Reader) ([]key.Key, error) {
	scans, err := r.DoneKeys(ctx, ScanInfoID, scanSchema)
	if err != nil {
		return nil, err
	}
	var out []key.Key
	for _, scan := range scans {
		slices, err := r.PartRows(ctx, ScanInfoID, "slices", scan)
		if err != nil {
			return nil, err
		}
		chosen, err := r.Rows(ctx, CorrectionChannelID, scan)
		if err != nil {
			return nil, err
		}
		withChannel := make(map[string]bool, len(chosen))
		for _, row := range chosen {
			if s, ok := row.Key.Get("slice"); ok {
				withChannel[s] = true
			}
		}
		complete := len(slices) > 0
		for _, s := range slices {
			if !withChannel[s.Disc] {
				complete = false
				break
			}
		}
		if !complete {
			continue
		}
		for _, s := range slices {
			out = append(out, scan.With("slice", s.Disc))
		}
	}
	return out, nil
}

// motionSource collapses the per-slice raster keys to one key per scan, and
// holds a scan back until every slice has been raster-corrected.
func motionSource(ctx context.Context, r stage.Reader) ([]key.Key, error) {
	scans, err := stage.Collapse(RasterCorrectionID, scanSchema)(ctx, r)
	if err != nil {
		return nil, err
	}
	var out []key.Key
	for _, scan := range scans {
		info, err := r.Rows(ctx, ScanInfoID, scan)
		if err != nil {
			return nil, err
		}
		if len(info) == 0 {
			continue
		}
		nslices, err := rowInt(info[0].Values, "nslices")
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", scan, err)
		}
		corrected, err := r.Rows(ctx, RasterCorrectionID, scan)
		if err != nil {
			return nil, err
		}
		if len(corrected) == nslices {
			out = append(out, scan)
		}
	}
	return out, nil
}

// maskClassificationSource restricts classification to constrained matrix
// factorization segmentations; manual masks are not classified.
func maskClassificationSource(ctx context.Context, r stage.Reader) ([]key.Key, error) {
	rows, err := r.Rows(ctx, SegmentationID, key.Key{})
	if err != nil {
		return nil, err
	}
	var out []key.Key
	for _, row := range rows {
		method, _ := row.Values["method"].(string)
		if method == "nmf" {
			out = append(out, row.Key)
		}
	}
	return out, nil
}

func rowInt(values stage.Row, name string) (int, error) {
	switch v := values[name].(type) {
	case float64:
		return int(v), nil
	case int:
		return v, nil
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("attribute %q: %w", name, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("attribute %q missing or not numeric", name)
	}
}

func rowString(values stage.Row, name string) (string, error) {
	s, ok := values[name].(string)
	if !ok {
		return "", fmt.Errorf("attribute %q missing or not a string", name)
	}
	return s, nil
}
