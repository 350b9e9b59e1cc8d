package pipeline

import (
	"context"
	"fmt"
	"strconv"

	"scanline/internal/key"
	"scanline/internal/stage"
)

func scanInfoCompute(b Backend) stage.ComputeFunc {
	return func(ctx context.Context, k key.Key, r stage.Reader) (stage.ResultSet, error) {
		meta, err := b.ScanInfo(ctx, k)
		if err != nil {
			return stage.ResultSet{}, err
		}
		if meta.NSlices <= 0 || len(meta.Depths) != meta.NSlices {
			return stage.ResultSet{}, fmt.Errorf("scan %s: metadata reports %d slices with %d depths", k, meta.NSlices, len(meta.Depths))
		}
		slices := make([]stage.PartRow, 0, meta.NSlices)
		for i, z := range meta.Depths {
			slices = append(slices, stage.PartRow{
				Disc:   strconv.Itoa(i + 1),
				Values: stage.Row{"z": z},
			})
		}
		return stage.ResultSet{
			Values: stage.Row{
				"nslices":       meta.NSlices,
				"nchannels":     meta.NChannels,
				"nframes":       meta.NFrames,
				"px_height":     meta.PxHeight,
				"px_width":      meta.PxWidth,
				"um_height":     meta.UmHeight,
				"um_width":      meta.UmWidth,
				"fps":           meta.FPS,
				"zoom":          meta.Zoom,
				"bidirectional": meta.Bidirectional,
				"fill_fraction": meta.FillFraction,
			},
			Parts: map[string][]stage.PartRow{"slices": slices},
		}, nil
	}
}

func rasterCompute(b Backend) stage.ComputeFunc {
	return func(ctx context.Context, k key.Key, r stage.Reader) (stage.ResultSet, error) {
		chosen, err := readRow(ctx, r, CorrectionChannelID, k)
		if err != nil {
			return stage.ResultSet{}, err
		}
		channel, err := rowInt(chosen.Values, "channel")
		if err != nil {
			return stage.ResultSet{}, fmt.Errorf("correction channel for %s: %w", k, err)
		}
		scan, _ := k.Restrict(scanSchema)
		info, err := readRow(ctx, r, ScanInfoID, scan)
		if err != nil {
			return stage.ResultSet{}, err
		}
		bidi, _ := info.Values["bidirectional"].(bool)
		if !bidi {
			// Unidirectional scans need no raster correction; record the
			// identity phase so downstream stages see a uniform shape.
			return stage.ResultSet{Values: stage.Row{"channel": channel, "raster_phase": 0.0, "template_mean": 0.0}}, nil
		}
		res, err := b.RasterPhase(ctx, k, channel)
		if err != nil {
			return stage.ResultSet{}, err
		}
		return stage.ResultSet{Values: stage.Row{
			"channel":       channel,
			"raster_phase":  res.RasterPhase,
			"template_mean": res.TemplateMean,
		}}, nil
	}
}

func motionCompute(b Backend) stage.ComputeFunc {
	return func(ctx context.Context, k key.Key, r stage.Reader) (stage.ResultSet, error) {
		corrected, err := r.Rows(ctx, RasterCorrectionID, k)
		if err != nil {
			return stage.ResultSet{}, err
		}
		slices := make([]int, 0, len(corrected))
		for _, row := range corrected {
			s, _ := row.Key.Get("slice")
			n, err := strconv.Atoi(s)
			if err != nil {
				return stage.ResultSet{}, fmt.Errorf("raster key %s: bad slice: %w", row.Key, err)
			}
			slices = append(slices, n)
		}
		res, err := b.MotionShifts(ctx, k, slices)
		if err != nil {
			return stage.ResultSet{}, err
		}
		parts := make([]stage.PartRow, 0, len(res.Slices))
		for _, s := range res.Slices {
			parts = append(parts, stage.PartRow{
				Disc: strconv.Itoa(s.Slice),
				Values: stage.Row{
					"y_std":            s.YStd,
					"x_std":            s.XStd,
					"y_outlier_frames": s.YOutliers,
					"x_outlier_frames": s.XOutliers,
				},
			})
		}
		return stage.ResultSet{
			Values: stage.Row{"nslices": len(res.Slices)},
			Parts:  map[string][]stage.PartRow{"slices": parts},
		}, nil
	}
}

func summaryCompute(b Backend) stage.ComputeFunc {
	return func(ctx context.Context, k key.Key, r stage.Reader) (stage.ResultSet, error) {
		info, err := readRow(ctx, r, ScanInfoID, k)
		if err != nil {
			return stage.ResultSet{}, err
		}
		nchannels, err := rowInt(info.Values, "nchannels")
		if err != nil {
			return stage.ResultSet{}, fmt.Errorf("scan info for %s: %w", k, err)
		}
		res, err := b.SummaryImages(ctx, k, nchannels)
		if err != nil {
			return stage.ResultSet{}, err
		}
		parts := make([]stage.PartRow, 0, len(res.Channels))
		for _, c := range res.Channels {
			parts = append(parts, stage.PartRow{
				Disc:   strconv.Itoa(c.Channel),
				Values: stage.Row{"average": c.Average, "correlation": c.Correlation},
			})
		}
		return stage.ResultSet{
			Values: stage.Row{"nchannels": len(res.Channels)},
			Parts:  map[string][]stage.PartRow{"channels": parts},
		}, nil
	}
}

func segmentationCompute(b Backend) stage.ComputeFunc {
	return func(ctx context.Context, k key.Key, r stage.Reader) (stage.ResultSet, error) {
		task, err := readRow(ctx, r, SegmentationTaskID, k)
		if err != nil {
			return stage.ResultSet{}, err
		}
		method, err := rowString(task.Values, "method")
		if err != nil {
			return stage.ResultSet{}, fmt.Errorf("segmentation task for %s: %w", k, err)
		}
		switch method {
		case "nmf", "manual":
		default:
			return stage.ResultSet{}, fmt.Errorf("%w: %q for %s", ErrUnknownMethod, method, k)
		}
		res, err := b.SegmentMasks(ctx, k, method)
		if err != nil {
			return stage.ResultSet{}, err
		}
		parts := make([]stage.PartRow, 0, len(res.Masks))
		for _, m := range res.Masks {
			parts = append(parts, stage.PartRow{
				Disc:   strconv.Itoa(m.MaskID),
				Values: stage.Row{"pixels": m.Pixels, "weight": m.Weight},
			})
		}
		return stage.ResultSet{
			Values: stage.Row{"method": method, "nmasks": len(res.Masks)},
			Parts:  map[string][]stage.PartRow{"masks": parts},
		}, nil
	}
}

func fluorescenceCompute(b Backend) stage.ComputeFunc {
	return func(ctx context.Context, k key.Key, r stage.Reader) (stage.ResultSet, error) {
		maskIDs, err := maskIDsFor(ctx, r, SegmentationID, "masks", k)
		if err != nil {
			return stage.ResultSet{}, err
		}
		res, err := b.ExtractTraces(ctx, k, maskIDs)
		if err != nil {
			return stage.ResultSet{}, err
		}
		parts := make([]stage.PartRow, 0, len(res.Traces))
		for _, t := range res.Traces {
			parts = append(parts, stage.PartRow{
				Disc:   strconv.Itoa(t.MaskID),
				Values: stage.Row{"mean": t.Mean, "std": t.Std},
			})
		}
		return stage.ResultSet{
			Values: stage.Row{"ntraces": len(res.Traces)},
			Parts:  map[string][]stage.PartRow{"traces": parts},
		}, nil
	}
}

func maskClassificationCompute(b Backend) stage.ComputeFunc {
	return func(ctx context.Context, k key.Key, r stage.Reader) (stage.ResultSet, error) {
		maskIDs, err := maskIDsFor(ctx, r, SegmentationID, "masks", k)
		if err != nil {
			return stage.ResultSet{}, err
		}
		res, err := b.ClassifyMasks(ctx, k, maskIDs)
		if err != nil {
			return stage.ResultSet{}, err
		}
		parts := make([]stage.PartRow, 0, len(res.Types))
		for _, t := range res.Types {
			parts = append(parts, stage.PartRow{
				Disc:   strconv.Itoa(t.MaskID),
				Values: stage.Row{"type": t.Type},
			})
		}
		return stage.ResultSet{
			Values: stage.Row{"nmasks": len(res.Types)},
			Parts:  map[string][]stage.PartRow{"types": parts},
		}, nil
	}
}

func activityCompute(b Backend) stage.ComputeFunc {
	return func(ctx context.Context, k key.Key, r stage.Reader) (stage.ResultSet, error) {
		maskIDs, err := maskIDsFor(ctx, r, FluorescenceID, "traces", k)
		if err != nil {
			return stage.ResultSet{}, err
		}
		res, err := b.InferActivity(ctx, k, maskIDs)
		if err != nil {
			return stage.ResultSet{}, err
		}
		parts := make([]stage.PartRow, 0, len(res.Spikes))
		for _, s := range res.Spikes {
			parts = append(parts, stage.PartRow{
				Disc:   strconv.Itoa(s.MaskID),
				Values: stage.Row{"rate": s.Rate},
			})
		}
		return stage.ResultSet{
			Values: stage.Row{"nmasks": len(res.Spikes)},
			Parts:  map[string][]stage.PartRow{"spikes": parts},
		}, nil
	}
}

// readRow fetches the single committed row matching k in a stage, erroring
// when it is absent: computes only run once their upstream keys exist, so a
// miss here means the caller's key is wrong.
func readRow(ctx context.Context, r stage.Reader, stageID string, k key.Key) (stage.StoredRow, error) {
	rows, err := r.Rows(ctx, stageID, k)
	if err != nil {
		return stage.StoredRow{}, err
	}
	if len(rows) == 0 {
		return stage.StoredRow{}, fmt.Errorf("no committed row in %s for %s", stageID, k)
	}
	return rows[0], nil
}

func maskIDsFor(ctx context.Context, r stage.Reader, stageID, part string, k key.Key) ([]int, error) {
	rows, err := r.PartRows(ctx, stageID, part, k)
	if err != nil {
		return nil, err
	}
	out := make([]int, 0, len(rows))
	for _, row := range rows {
		id, err := strconv.Atoi(row.Disc)
		if err != nil {
			return nil, fmt.Errorf("part row of %s: bad mask id %q: %w", stageID, row.Disc, err)
		}
		out = append(out, id)
	}
	return out, nil
}
