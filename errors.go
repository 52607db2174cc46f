package cocoloader

import (
	"errors"
	"fmt"
)

// Error conditions of the metadata preparation. Use errors.Is to test for them; the concrete
// errors returned carry the failing field, file or line.
var (
	// ErrMalformedDocument is returned for unparseable or referentially broken annotation
	// documents.
	ErrMalformedDocument = errors.New("malformed annotation document")
	// ErrUnsupportedSegmentation is returned when a segmentation cannot be transcoded in the
	// configured mask mode.
	ErrUnsupportedSegmentation = errors.New("unsupported segmentation")
	// ErrCacheFormat is returned for corrupt meta cache files. It is never recovered from by
	// falling back to a live parse.
	ErrCacheFormat = errors.New("invalid meta cache format")
	// ErrCacheMissing signals that the meta cache does not exist and the document has to be
	// parsed instead.
	ErrCacheMissing = errors.New("meta cache missing")
	// ErrNoFilesFound is returned when preparation completes with zero retained images.
	ErrNoFilesFound = errors.New("no files found")
)

// DocumentError identifies the offending field of a malformed annotation document.
type DocumentError struct {
	Field string // e.g. "annotations[3].image_id"
	cause error
}

func (e *DocumentError) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("%v: %s", ErrMalformedDocument, e.Field)
	}
	return fmt.Sprintf("%v: %s: %v", ErrMalformedDocument, e.Field, e.cause)
}

func (e *DocumentError) Unwrap() error { return e.cause }

// Is reports ErrMalformedDocument as a match.
func (e *DocumentError) Is(target error) bool { return target == ErrMalformedDocument }

func documentError(field string, cause error) error {
	return &DocumentError{Field: field, cause: cause}
}

// SegmentationError identifies the annotation whose segmentation could not be transcoded.
type SegmentationError struct {
	ImageID    int64
	Annotation int // Index of the annotation within the document.
	cause      error
}

func (e *SegmentationError) Error() string {
	return fmt.Sprintf("%v: annotation %d of image %d: %v", ErrUnsupportedSegmentation,
		e.Annotation, e.ImageID, e.cause)
}

func (e *SegmentationError) Unwrap() error { return e.cause }

// Is reports ErrUnsupportedSegmentation as a match.
func (e *SegmentationError) Is(target error) bool { return target == ErrUnsupportedSegmentation }

// CacheError identifies the file and line of a corrupt meta cache.
type CacheError struct {
	Path  string
	Line  int // 1-based, 0 if not line specific.
	cause error
}

func (e *CacheError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%v: %q line %d: %v", ErrCacheFormat, e.Path, e.Line, e.cause)
	}
	return fmt.Sprintf("%v: %q: %v", ErrCacheFormat, e.Path, e.cause)
}

func (e *CacheError) Unwrap() error { return e.cause }

// Is reports ErrCacheFormat as a match.
func (e *CacheError) Is(target error) bool { return target == ErrCacheFormat }
