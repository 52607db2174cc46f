package cocoloader

// Aggregation of the document tables into per-image records.

import (
	"fmt"
	"log"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
)

// RetainFunc decides whether an aggregated image is kept. It is called with the complete
// record, before export positions are assigned.
type RetainFunc func(rec *ImageRecord) bool

// RetainAll keeps every image, including those without annotations.
func RetainAll(*ImageRecord) bool { return true }

// SkipEmpty drops images without retained annotations.
func SkipEmpty(rec *ImageRecord) bool { return len(rec.Labels) > 0 }

// Aggregator groups annotations by image and builds one ImageRecord per retained image.
type Aggregator struct {
	retain        RetainFunc
	skipEmpty     bool // Allows images without any annotation to be dropped early.
	skipCrowd     bool
	ltrb          bool
	ratio         bool
	sizeThreshold float64
	remapClasses  bool
	masks         *MaskTranscoder
}

// NewAggregator returns an Aggregator configured by opts.
func NewAggregator(opts Options) *Aggregator {
	a := &Aggregator{
		retain:        opts.Retain,
		skipCrowd:     opts.SkipCrowd,
		ltrb:          opts.LTRB,
		ratio:         opts.Ratio,
		sizeThreshold: opts.SizeThreshold,
		remapClasses:  !opts.AvoidClassRemapping,
		masks:         NewMaskTranscoder(opts.maskMode(), opts.rasterizer()),
	}
	if a.retain == nil {
		a.retain = RetainAll
		if opts.SkipEmpty {
			a.retain = SkipEmpty
			a.skipEmpty = true
		}
	}
	return a
}

// Aggregate builds the records for doc, in document image order. Annotations keep their
// document order within each image. The returned records are indexed.
func (a *Aggregator) Aggregate(doc *Document) ([]ImageRecord, error) {
	labels := a.labelMap(doc.Categories)

	// Group the annotation indices by image, preserving the document order.
	byImage := make(map[int64][]int, len(doc.Images))
	annotated := roaring64.New()
	for i, ann := range doc.Annotations {
		byImage[ann.ImageID] = append(byImage[ann.ImageID], i)
		annotated.Add(uint64(ann.ImageID))
	}
	log.Printf("Aggregating %d annotations over %d images (%d without annotations)",
		len(doc.Annotations), len(doc.Images), len(doc.Images)-int(annotated.GetCardinality()))

	records := make([]ImageRecord, 0, len(doc.Images))
	numFiltered := 0
	for i, img := range doc.Images {
		if a.skipEmpty && !annotated.Contains(uint64(img.ID)) {
			continue
		}

		rec := ImageRecord{
			FileName:   img.FileName,
			OriginalID: img.ID,
			Height:     img.Height,
			Width:      img.Width,
		}
		scaleX, scaleY := 1.0, 1.0
		if a.ratio {
			if img.Width <= 0 || img.Height <= 0 {
				return nil, documentError(fmt.Sprintf("images[%d]", i),
					fmt.Errorf("relative coordinates need the image size of %q", img.FileName))
			}
			scaleX, scaleY = float64(img.Width), float64(img.Height)
		}

		for _, annIdx := range byImage[img.ID] {
			ann := &doc.Annotations[annIdx]
			if (a.skipCrowd && ann.IsCrowd) ||
				ann.BBox[2] < a.sizeThreshold || ann.BBox[3] < a.sizeThreshold {
				numFiltered++
				continue
			}

			box := ann.BBox
			if a.ltrb {
				box[2] += box[0]
				box[3] += box[1]
			}
			rec.Boxes = append(rec.Boxes, float32(box[0]/scaleX), float32(box[1]/scaleY),
				float32(box[2]/scaleX), float32(box[3]/scaleY))

			maskIndex := len(rec.Labels)
			rec.Labels = append(rec.Labels, labels[ann.CategoryID])

			err := a.masks.Transcode(&rec, maskIndex, ann.Segmentation, scaleX, scaleY)
			if err != nil {
				return nil, &SegmentationError{ImageID: img.ID, Annotation: annIdx, cause: err}
			}
		}

		rec.BoxCount = len(rec.Labels)
		if !a.retain(&rec) {
			continue
		}
		records = append(records, rec)
	}
	reindex(records)

	log.Printf("Filtered out %d annotations and %d images", numFiltered,
		len(doc.Images)-len(records))
	return records, nil
}

// labelMap maps category ids to output labels: 1..N in document order, or the ids themselves
// when class remapping is disabled.
func (a *Aggregator) labelMap(categories []Category) map[int64]int {
	labels := make(map[int64]int, len(categories))
	for i, c := range categories {
		if a.remapClasses {
			labels[c.ID] = i + 1
		} else {
			labels[c.ID] = int(c.ID)
		}
	}
	return labels
}
