package cocoloader

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
)

// DataloaderSeed seeds the shuffle of the image order. It is fixed so that every process
// reading the same dataset computes the same global permutation before sharding.
const DataloaderSeed int64 = 524287

// DefaultSizeThreshold is the minimum bounding box width and height kept by default.
const DefaultSizeThreshold = 0.1

// Options configures a Loader. The JSON keys match the option names of the reader.
type Options struct {
	AnnotationsFile   string `json:"annotations_file"`     // The COCO JSON document.
	FileRoot          string `json:"file_root"`            // The image directory.
	MetaFilesPath     string `json:"meta_files_path"`      // Read the meta cache instead of the document.
	DumpMetaFilesPath string `json:"dump_meta_files_path"` // Write the meta cache after a live parse.

	ReadMasks         bool `json:"read_masks"`
	PixelwiseMasks    bool `json:"pixelwise_masks"` // RLE instead of polygon output, implies read_masks.
	SaveImgIDs        bool `json:"save_img_ids"`
	ShuffleAfterEpoch bool `json:"shuffle_after_epoch"`

	SkipEmpty           bool    `json:"skip_empty"` // Drop images without retained annotations.
	SkipCrowd           bool    `json:"skip_crowd"`
	LTRB                bool    `json:"ltrb"`  // Emit boxes as x1, y1, x2, y2.
	Ratio               bool    `json:"ratio"` // Normalize coordinates by the image size.
	SizeThreshold       float64 `json:"size_threshold"`
	AvoidClassRemapping bool    `json:"avoid_class_remapping"`

	Seed int64 `json:"seed"` // Shuffle seed, DataloaderSeed unless overridden in tests.

	// Rasterizer converts polygons to RLE in pixelwise mode. Nil selects PolygonRasterizer.
	Rasterizer Rasterizer `json:"-"`
	// Retain decides which aggregated images are kept. Nil selects SkipEmpty or RetainAll,
	// following SkipEmpty.
	Retain RetainFunc `json:"-"`
}

// DefaultOptions returns the default configuration.
func DefaultOptions() Options {
	return Options{
		SizeThreshold: DefaultSizeThreshold,
		Seed:          DataloaderSeed,
	}
}

// LoadOptions reads a JSON configuration file on top of DefaultOptions.
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions()
	enc, err := ioutil.ReadFile(path)
	if err != nil {
		return opts, err
	}
	if err := json.Unmarshal(enc, &opts); err != nil {
		return opts, fmt.Errorf("failed to parse options from %q: %v", path, err)
	}
	return opts, nil
}

// Validate checks the options for consistency.
func (o *Options) Validate() error {
	if o.AnnotationsFile == "" && o.MetaFilesPath == "" {
		return fmt.Errorf("either annotations_file or meta_files_path is required")
	}
	if o.SizeThreshold < 0 {
		return fmt.Errorf("invalid size_threshold %v", o.SizeThreshold)
	}
	if o.MetaFilesPath != "" && o.MetaFilesPath == o.DumpMetaFilesPath {
		return fmt.Errorf("the meta cache input and output paths cannot be identical")
	}
	return nil
}

// maskMode is the mask representation selected once per loader.
func (o *Options) maskMode() MaskMode {
	switch {
	case o.PixelwiseMasks:
		return MasksPixelwise
	case o.ReadMasks:
		return MasksPolygon
	default:
		return MasksNone
	}
}

func (o *Options) rasterizer() Rasterizer {
	if o.Rasterizer != nil {
		return o.Rasterizer
	}
	return PolygonRasterizer{}
}
