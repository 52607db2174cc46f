package cocoloader

// Transcoding of segmentations into the polygon or pixelwise output representation.

import (
	"fmt"
)

// MaskMode is the mask output representation. It is selected once per loader.
type MaskMode int

// The mask output representations.
const (
	MasksNone      MaskMode = iota // No mask output.
	MasksPolygon                   // Polygon meta triples and concatenated coordinates.
	MasksPixelwise                 // COCO RLE strings.
)

func (m MaskMode) String() string {
	switch m {
	case MasksPolygon:
		return "polygon"
	case MasksPixelwise:
		return "pixelwise"
	default:
		return "none"
	}
}

func maskModeFrom(s string) (MaskMode, error) {
	switch s {
	case "none":
		return MasksNone, nil
	case "polygon":
		return MasksPolygon, nil
	case "pixelwise":
		return MasksPixelwise, nil
	}
	return MasksNone, fmt.Errorf("unknown mask mode %q", s)
}

// MaskMeta locates one polygon in the coordinate buffer of its image. Offset and Size count
// float values, not vertices.
type MaskMeta struct {
	Index  int // The mask (annotation) index within the image.
	Offset int
	Size   int
}

// MaskTranscoder converts segmentations into the configured MaskMode.
type MaskTranscoder struct {
	mode   MaskMode
	raster Rasterizer
}

// NewMaskTranscoder returns a transcoder for mode. The rasterizer is only used to convert
// polygons in pixelwise mode and may be nil otherwise.
func NewMaskTranscoder(mode MaskMode, raster Rasterizer) *MaskTranscoder {
	if raster == nil {
		raster = PolygonRasterizer{}
	}
	return &MaskTranscoder{mode: mode, raster: raster}
}

// Mode returns the output representation.
func (t *MaskTranscoder) Mode() MaskMode {
	return t.mode
}

// Transcode appends the encoding of seg, the segmentation of the mask with index maskIndex, to
// the mask buffers of rec. Polygon coordinates are divided by scaleX and scaleY on output.
//
// In polygon mode RLE segmentations have no polygon representation and are skipped.
func (t *MaskTranscoder) Transcode(rec *ImageRecord, maskIndex int, seg Segmentation,
	scaleX, scaleY float64) error {

	if t.mode == MasksNone || seg.Kind == SegmentationNone {
		return nil
	}
	if seg.Kind == SegmentationUnknown {
		return fmt.Errorf("neither polygons nor RLE: %.40s", seg.Raw)
	}

	switch t.mode {
	case MasksPolygon:
		if seg.Kind != SegmentationPolygons {
			return nil
		}
		for _, poly := range seg.Polygons {
			if len(poly)%2 != 0 {
				return fmt.Errorf("polygon with an odd number of coordinates (%d)", len(poly))
			}
			rec.MaskMeta = append(rec.MaskMeta,
				MaskMeta{Index: maskIndex, Offset: len(rec.MaskCoords), Size: len(poly)})
			for i, c := range poly {
				if i&1 == 0 {
					c /= scaleX
				} else {
					c /= scaleY
				}
				rec.MaskCoords = append(rec.MaskCoords, float32(c))
			}
		}

	case MasksPixelwise:
		rle, err := t.toRLEString(rec, seg)
		if err != nil {
			return err
		}
		rec.MaskRLEs = append(rec.MaskRLEs, rle)
		rec.MaskRLEIdx = append(rec.MaskRLEIdx, maskIndex)
	}
	return nil
}

// toRLEString returns the compact RLE string for seg, rasterizing polygons against the image
// size of rec.
func (t *MaskTranscoder) toRLEString(rec *ImageRecord, seg Segmentation) (string, error) {
	switch seg.Kind {
	case SegmentationPolygons:
		rles := make([]RLE, 0, len(seg.Polygons))
		for _, poly := range seg.Polygons {
			r, err := t.raster.Rasterize(poly, rec.Height, rec.Width)
			if err != nil {
				return "", err
			}
			rles = append(rles, r)
		}
		merged, err := MergeRLEs(rles)
		if err != nil {
			return "", err
		}
		return merged.String(), nil

	case SegmentationRLE:
		src := seg.RLE
		if rec.Height > 0 && rec.Width > 0 && (src.Height != rec.Height || src.Width != rec.Width) {
			return "", fmt.Errorf("RLE size %dx%d does not match the image size %dx%d",
				src.Width, src.Height, rec.Width, rec.Height)
		}
		if src.Counts == nil {
			// Already compact, only verify it.
			if _, err := ParseRLEString(src.Compressed, src.Height, src.Width); err != nil {
				return "", err
			}
			return src.Compressed, nil
		}
		r := RLE{Height: src.Height, Width: src.Width, Counts: src.Counts}
		if err := r.Validate(); err != nil {
			return "", err
		}
		return r.String(), nil
	}
	return "", fmt.Errorf("unexpected segmentation kind %d", seg.Kind)
}
