package cocoloader

// COCO annotation document parsing.

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
)

// Category is an object category of the document.
type Category struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Image is an entry of the document's image table. Height and Width are zero if the document
// does not provide them.
type Image struct {
	ID       int64  `json:"id"`
	FileName string `json:"file_name"`
	Height   int    `json:"height"`
	Width    int    `json:"width"`
}

// Annotation is a single object annotation.
type Annotation struct {
	ID           int64
	ImageID      int64
	CategoryID   int64
	BBox         [4]float64 // x, y, w, h
	Segmentation Segmentation
	IsCrowd      bool
}

// Document holds the validated tables of a COCO annotation document. The order of each table
// is the order of the document.
type Document struct {
	Categories  []Category
	Images      []Image
	Annotations []Annotation
}

// SegmentationKind tells which variant a Segmentation holds.
type SegmentationKind int

// The segmentation variants.
const (
	SegmentationNone     SegmentationKind = iota // Absent, null or empty.
	SegmentationPolygons                         // A list of x, y coordinate lists.
	SegmentationRLE                              // Uncompressed or compressed run-lengths.
	SegmentationUnknown                          // Anything else, kept raw.
)

// Segmentation is the segmentation field of an annotation.
type Segmentation struct {
	Kind     SegmentationKind
	Polygons [][]float64
	RLE      RLESegmentation
	Raw      json.RawMessage // Only set for SegmentationUnknown.
}

// RLESegmentation is an RLE encoded mask as found in the document. Exactly one of Counts and
// Compressed is set.
type RLESegmentation struct {
	Counts     []uint32
	Compressed string
	Height     int
	Width      int
}

// UnmarshalJSON decodes the polygon or RLE variant. Unrecognized values are kept raw, so that
// documents with unusual segmentations can still be read when masks are not requested.
func (s *Segmentation) UnmarshalJSON(data []byte) error {
	*s = Segmentation{}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}

	switch trimmed[0] {
	case '[':
		var polygons [][]float64
		if err := json.Unmarshal(trimmed, &polygons); err == nil {
			if len(polygons) > 0 {
				s.Kind = SegmentationPolygons
				s.Polygons = polygons
			}
			return nil
		}
	case '{':
		var rle struct {
			Counts json.RawMessage `json:"counts"`
			Size   []int           `json:"size"`
		}
		if err := json.Unmarshal(trimmed, &rle); err == nil && len(rle.Counts) > 0 &&
			len(rle.Size) == 2 {
			s.RLE.Height, s.RLE.Width = rle.Size[0], rle.Size[1]
			if json.Unmarshal(rle.Counts, &s.RLE.Counts) == nil ||
				json.Unmarshal(rle.Counts, &s.RLE.Compressed) == nil {
				s.Kind = SegmentationRLE
				return nil
			}
			s.RLE = RLESegmentation{}
		}
	}

	s.Kind = SegmentationUnknown
	s.Raw = append(json.RawMessage(nil), trimmed...)
	return nil
}

// crowdFlag accepts the 0/1 integers used by COCO as well as booleans.
type crowdFlag bool

func (c *crowdFlag) UnmarshalJSON(data []byte) error {
	switch string(bytes.TrimSpace(data)) {
	case "0", "false", "null":
		*c = false
	case "1", "true":
		*c = true
	default:
		return fmt.Errorf("invalid iscrowd value %s", data)
	}
	return nil
}

type jsonAnnotation struct {
	ID           int64        `json:"id"`
	ImageID      *int64       `json:"image_id"`
	CategoryID   *int64       `json:"category_id"`
	BBox         []float64    `json:"bbox"`
	Segmentation Segmentation `json:"segmentation"`
	IsCrowd      crowdFlag    `json:"iscrowd"`
}

// ParseDocumentFile parses the COCO document at path.
func ParseDocumentFile(path string) (doc *Document, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read annotations %q: %v", path, err)
	}
	defer closeWithErrCheck(f, &err)

	return ParseDocument(f)
}

// ParseDocument reads a COCO document in a single forward pass and validates it. The tables
// keep the document order. Any error is a *DocumentError.
func ParseDocument(r io.Reader) (*Document, error) {
	dec := json.NewDecoder(r)
	if err := expectDelim(dec, '{'); err != nil {
		return nil, documentError("document", err)
	}

	doc := &Document{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, documentError("document", err)
		}
		key, _ := tok.(string)

		switch key {
		case "categories":
			err = decodeArray(dec, key, func(i int) error {
				var c Category
				if err := dec.Decode(&c); err != nil {
					return err
				}
				doc.Categories = append(doc.Categories, c)
				return nil
			})
		case "images":
			err = decodeArray(dec, key, func(i int) error {
				var img Image
				if err := dec.Decode(&img); err != nil {
					return err
				}
				doc.Images = append(doc.Images, img)
				return nil
			})
		case "annotations":
			err = decodeArray(dec, key, func(i int) error {
				var a jsonAnnotation
				if err := dec.Decode(&a); err != nil {
					return err
				}
				ann, err := a.toAnnotation(i)
				if err != nil {
					return err
				}
				doc.Annotations = append(doc.Annotations, ann)
				return nil
			})
		default:
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil, documentError(key, err)
			}
		}
		if err != nil {
			return nil, err
		}
	}
	if err := expectDelim(dec, '}'); err != nil {
		return nil, documentError("document", err)
	}

	if err := doc.validate(); err != nil {
		return nil, err
	}
	log.Printf("Parsed %d categories, %d images and %d annotations",
		len(doc.Categories), len(doc.Images), len(doc.Annotations))
	return doc, nil
}

func (a *jsonAnnotation) toAnnotation(i int) (Annotation, error) {
	if a.ImageID == nil {
		return Annotation{}, documentError(fmt.Sprintf("annotations[%d].image_id", i),
			fmt.Errorf("missing"))
	}
	if a.CategoryID == nil {
		return Annotation{}, documentError(fmt.Sprintf("annotations[%d].category_id", i),
			fmt.Errorf("missing"))
	}
	if len(a.BBox) != 4 {
		return Annotation{}, documentError(fmt.Sprintf("annotations[%d].bbox", i),
			fmt.Errorf("expected 4 values, got %d", len(a.BBox)))
	}

	ann := Annotation{
		ID:           a.ID,
		ImageID:      *a.ImageID,
		CategoryID:   *a.CategoryID,
		Segmentation: a.Segmentation,
		IsCrowd:      bool(a.IsCrowd),
	}
	copy(ann.BBox[:], a.BBox)
	return ann, nil
}

// validate checks ids for uniqueness and resolves the foreign keys of all annotations.
func (doc *Document) validate() error {
	categories := make(map[int64]struct{}, len(doc.Categories))
	for i, c := range doc.Categories {
		if _, dup := categories[c.ID]; dup {
			return documentError(fmt.Sprintf("categories[%d].id", i),
				fmt.Errorf("duplicate id %d", c.ID))
		}
		categories[c.ID] = struct{}{}
	}

	images := make(map[int64]struct{}, len(doc.Images))
	for i, img := range doc.Images {
		if _, dup := images[img.ID]; dup {
			return documentError(fmt.Sprintf("images[%d].id", i),
				fmt.Errorf("duplicate id %d", img.ID))
		}
		if img.FileName == "" {
			return documentError(fmt.Sprintf("images[%d].file_name", i), fmt.Errorf("missing"))
		}
		if img.Height < 0 || img.Width < 0 {
			return documentError(fmt.Sprintf("images[%d]", i),
				fmt.Errorf("negative size %dx%d", img.Width, img.Height))
		}
		images[img.ID] = struct{}{}
	}

	for i, a := range doc.Annotations {
		if _, ok := images[a.ImageID]; !ok {
			return documentError(fmt.Sprintf("annotations[%d].image_id", i),
				fmt.Errorf("unknown image %d", a.ImageID))
		}
		if _, ok := categories[a.CategoryID]; !ok {
			return documentError(fmt.Sprintf("annotations[%d].category_id", i),
				fmt.Errorf("unknown category %d", a.CategoryID))
		}
	}
	return nil
}

// decodeArray decodes the JSON array following a key, calling decodeElem once per element.
func decodeArray(dec *json.Decoder, key string, decodeElem func(i int) error) error {
	if err := expectDelim(dec, '['); err != nil {
		return documentError(key, err)
	}
	for i := 0; dec.More(); i++ {
		if err := decodeElem(i); err != nil {
			if _, ok := err.(*DocumentError); ok {
				return err
			}
			return documentError(fmt.Sprintf("%s[%d]", key, i), err)
		}
	}
	if err := expectDelim(dec, ']'); err != nil {
		return documentError(key, err)
	}
	return nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}
