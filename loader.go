package cocoloader

// The loader: one-shot metadata preparation from the document or the meta cache, followed by
// the export of the rows and output arrays.

import (
	"errors"
	"fmt"
	"log"
)

// State is a stage of the metadata preparation. A loader moves forward through the states
// exactly once and never leaves Ready.
type State int

// The preparation states.
const (
	Uninitialized State = iota
	LoadingFromCache
	ParsingDocument
	Aggregating
	Shuffling
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case LoadingFromCache:
		return "loading-from-cache"
	case ParsingDocument:
		return "parsing-document"
	case Aggregating:
		return "aggregating"
	case Shuffling:
		return "shuffling"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// BoxFormat describes the coordinates of the output boxes.
type BoxFormat struct {
	LTRB  bool // x1, y1, x2, y2 instead of x, y, w, h.
	Ratio bool // Relative to the image size.
}

// Loader prepares the COCO metadata and hands the rows to a RowProvider. It is not safe for
// concurrent use during preparation; once Ready it is read-only.
type Loader struct {
	opts      Options
	rows      RowProvider
	state     State
	fromCache bool

	records []ImageRecord
	outputs Outputs
}

// NewLoader validates opts and prepares the metadata. On success the loader is Ready and the
// rows have been handed to rows, which has been reset to the start of its shard.
func NewLoader(opts Options, rows RowProvider) (*Loader, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if rows == nil {
		return nil, fmt.Errorf("missing row provider")
	}

	l := &Loader{opts: opts, rows: rows}
	if err := l.prepareMetadata(); err != nil {
		l.state = Failed
		return nil, err
	}
	return l, nil
}

func (l *Loader) prepareMetadata() error {
	shuffled := false
	if l.opts.MetaFilesPath != "" {
		l.state = LoadingFromCache
		cache, err := l.loadCache()
		switch {
		case err == nil:
			l.records = cache.Records
			shuffled = cache.Shuffled
			l.fromCache = true
		case errors.Is(err, ErrCacheMissing) && l.opts.AnnotationsFile != "":
			log.Printf("No meta cache at %s, parsing the annotations", l.opts.MetaFilesPath)
		default:
			return err
		}
	}

	if !l.fromCache {
		l.state = ParsingDocument
		doc, err := ParseDocumentFile(l.opts.AnnotationsFile)
		if err != nil {
			return err
		}
		fillImageSizes(doc, l.opts.FileRoot)

		l.state = Aggregating
		if l.records, err = NewAggregator(l.opts).Aggregate(doc); err != nil {
			return err
		}
	} else {
		l.state = Aggregating
		reindex(l.records)
	}

	if len(l.records) == 0 {
		return ErrNoFilesFound
	}

	if l.opts.ShuffleAfterEpoch && !shuffled {
		l.state = Shuffling
		ShuffleRecords(l.records, l.opts.Seed)
		shuffled = true
	}

	rows := ImageLabels(l.records)
	if !l.fromCache && l.opts.DumpMetaFilesPath != "" {
		info := CacheInfo{Masks: l.opts.maskMode(), SaveIDs: l.opts.SaveImgIDs, Shuffled: shuffled,
			LTRB: l.opts.LTRB, Ratio: l.opts.Ratio}
		if err := WriteMetaCache(l.opts.DumpMetaFilesPath, l.records, rows, info); err != nil {
			return err
		}
	}

	// Export.
	l.outputs = BuildOutputs(l.records, l.opts.SaveImgIDs)
	l.rows.SetRows(rows)
	if l.rows.Size() <= 0 {
		return ErrNoFilesFound
	}
	l.rows.Reset(true)

	l.state = Ready
	log.Printf("Prepared %d images with %d boxes", len(l.records), len(l.outputs.Labels))
	return nil
}

// loadCache reads the meta cache and checks that it holds what the options ask for. An
// unshuffled cache may still be shuffled after loading.
func (l *Loader) loadCache() (*MetaCache, error) {
	path := l.opts.MetaFilesPath
	cache, err := ReadMetaCache(path)
	if err != nil {
		return nil, err
	}
	if mode := l.opts.maskMode(); cache.Masks != mode {
		return nil, &CacheError{Path: path,
			cause: fmt.Errorf("written with masks=%s, but masks=%s are requested", cache.Masks, mode)}
	}
	if l.opts.SaveImgIDs && !cache.SaveIDs {
		return nil, &CacheError{Path: path, cause: fmt.Errorf("image ids were not saved")}
	}
	if cache.Shuffled && !l.opts.ShuffleAfterEpoch {
		return nil, &CacheError{Path: path,
			cause: fmt.Errorf("written in shuffled order, but shuffling is disabled")}
	}
	if cache.LTRB != l.opts.LTRB || cache.Ratio != l.opts.Ratio {
		return nil, &CacheError{Path: path,
			cause: fmt.Errorf("written with ltrb=%t ratio=%t, but ltrb=%t ratio=%t are requested",
				cache.LTRB, cache.Ratio, l.opts.LTRB, l.opts.Ratio)}
	}
	return cache, nil
}

// State returns the preparation state.
func (l *Loader) State() State {
	return l.state
}

// FromCache reports whether the metadata was read from the meta cache.
func (l *Loader) FromCache() bool {
	return l.fromCache
}

// Size returns the number of rows of the RowProvider.
func (l *Loader) Size() int {
	return l.rows.Size()
}

// Outputs returns the flat output arrays. The arrays are shared with the loader and must not
// be modified.
func (l *Loader) Outputs() Outputs {
	return l.outputs
}

// Records returns the aggregated records in export order.
func (l *Loader) Records() []ImageRecord {
	return l.records
}

// ImageLabels returns the rows in export order.
func (l *Loader) ImageLabels() []ImageLabel {
	return ImageLabels(l.records)
}

// BoxFormat returns the coordinate format of the output boxes.
func (l *Loader) BoxFormat() BoxFormat {
	return BoxFormat{LTRB: l.opts.LTRB, Ratio: l.opts.Ratio}
}

// MaskMode returns the mask output representation.
func (l *Loader) MaskMode() MaskMode {
	return l.opts.maskMode()
}
