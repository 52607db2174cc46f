// Prepares the metadata of a COCO dataset, optionally writing the meta cache, TFRecord shards
// and mask previews.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/sensorable/cocoloader"
)

var (
	opts cocoloader.Options // The loader options, from -config and the flags.

	shardID   int // The shard served by the file list.
	numShards int // The number of shards the rows are split into.

	tfRecordOutPath string // The TFRecord output file.
	numTFShards     int    // The number of TFRecord shard files to create.
	embedImages     bool   // Embed the encoded images in the TFRecord examples.
	previewDirPath  string // The output directory for mask previews.
	checkFiles      bool   // Verify that all image files exist.
	rasterizer      string // The polygon rasterizer for pixelwise masks.
)

func init() {
	flag.Usage = func() {
		_, _ = fmt.Fprintf(os.Stderr, "Usage of %s:\n", filepath.Base(os.Args[0]))
		_, _ = fmt.Fprintln(os.Stderr, "  parse annotations:\t-annotations <file> -images <dir>")
		_, _ = fmt.Fprintln(os.Stderr, "  read the meta cache:\t-meta-files <file>")
		_, _ = fmt.Fprintln(os.Stderr, "  write the meta cache:\t-dump-meta-files <file>")
		_, _ = fmt.Fprintln(os.Stderr)
		flag.PrintDefaults()
	}

	printUsageAndExit := func(msg ...interface{}) {
		log.Print(msg...)
		flag.Usage()
		os.Exit(1)
	}

	// A config file provides the defaults for all other flags.
	opts = cocoloader.DefaultOptions()
	for i, arg := range os.Args[1:] {
		if (arg == "-config" || arg == "--config") && i+2 < len(os.Args) {
			var err error
			if opts, err = cocoloader.LoadOptions(os.Args[i+2]); err != nil {
				log.Fatal("Failed to load the config: ", err)
			}
		}
	}
	flag.String("config", "", "The JSON config `file` with the loader options")

	// Path arguments.
	flag.StringVar(&opts.AnnotationsFile, "annotations", opts.AnnotationsFile,
		"The `path` to the COCO annotations file")
	flag.StringVar(&opts.FileRoot, "images", opts.FileRoot,
		"The `path` to the image directory")
	flag.StringVar(&opts.MetaFilesPath, "meta-files", opts.MetaFilesPath,
		"The meta cache `path` to read instead of the annotations, if it exists")
	flag.StringVar(&opts.DumpMetaFilesPath, "dump-meta-files", opts.DumpMetaFilesPath,
		"The meta cache `path` to write after parsing the annotations (.zst, .gz and .lz4"+
			" are compressed)")

	// Loader options.
	flag.BoolVar(&opts.ReadMasks, "read-masks", opts.ReadMasks, "Read the segmentation masks")
	flag.BoolVar(&opts.PixelwiseMasks, "pixelwise-masks", opts.PixelwiseMasks,
		"Output masks as RLE instead of polygons")
	flag.BoolVar(&opts.SaveImgIDs, "save-img-ids", opts.SaveImgIDs,
		"Output the original image ids")
	flag.BoolVar(&opts.ShuffleAfterEpoch, "shuffle-after-epoch", opts.ShuffleAfterEpoch,
		"Shuffle the images with the fixed seed, and again after every epoch")
	flag.BoolVar(&opts.SkipEmpty, "skip-empty", opts.SkipEmpty,
		"Drop images without annotations (after filters)")
	flag.BoolVar(&opts.SkipCrowd, "skip-crowd", opts.SkipCrowd, "Drop crowd annotations")
	flag.BoolVar(&opts.LTRB, "ltrb", opts.LTRB, "Output boxes as x1,y1,x2,y2 instead of x,y,w,h")
	flag.BoolVar(&opts.Ratio, "ratio", opts.Ratio,
		"Output coordinates relative to the image size")
	flag.Float64Var(&opts.SizeThreshold, "size-threshold", opts.SizeThreshold,
		"The min. box width and height in `pixels` to keep an annotation")
	flag.BoolVar(&opts.AvoidClassRemapping, "avoid-class-remapping", opts.AvoidClassRemapping,
		"Output category ids as labels instead of 1..N")
	flag.StringVar(&rasterizer, "rasterizer", "polygon",
		"The polygon rasterizer for pixelwise masks {polygon, draw2d}")

	// Shard arguments.
	flag.IntVar(&shardID, "shard-id", 0, "The shard to serve")
	flag.IntVar(&numShards, "num-shards", 1, "The number of shards")

	// Output arguments.
	flag.StringVar(&tfRecordOutPath, "tfrecord-out", "", "The TFRecord output file `path`")
	flag.IntVar(&numTFShards, "tfrecord-shards", 1, "The number of TFRecord shard files to create")
	flag.BoolVar(&embedImages, "tfrecord-embed-images", false,
		"Embed the encoded images in the TFRecord examples (requires -images)")
	flag.StringVar(&previewDirPath, "preview-dir", "",
		"The output `directory` for mask preview images")
	flag.BoolVar(&checkFiles, "check-files", false, "Check that all image files exist")

	// Parse and validate flags.
	flag.Parse()

	switch rasterizer {
	case "polygon":
		opts.Rasterizer = cocoloader.PolygonRasterizer{}
	case "draw2d":
		opts.Rasterizer = cocoloader.Draw2DRasterizer{}
	default:
		printUsageAndExit("Unknown rasterizer: ", rasterizer)
	}

	if err := opts.Validate(); err != nil {
		printUsageAndExit(err)
	}
	if numShards < 1 || shardID < 0 || shardID >= numShards {
		printUsageAndExit("Invalid -shard-id or -num-shards")
	}
	if (checkFiles || embedImages) && opts.FileRoot == "" {
		printUsageAndExit("Missing image directory path")
	}

	// Clean path arguments.
	for _, p := range []*string{&opts.AnnotationsFile, &opts.FileRoot, &opts.MetaFilesPath,
		&opts.DumpMetaFilesPath, &tfRecordOutPath, &previewDirPath} {
		if *p != "" {
			*p = filepath.Clean(*p)
		}
	}
}

func main() {
	files, err := cocoloader.NewFileList(opts.FileRoot, shardID, numShards,
		opts.ShuffleAfterEpoch, opts.Seed)
	if err != nil {
		log.Fatal("Invalid shard: ", err)
	}

	loader, err := cocoloader.NewLoader(opts, files)
	if err != nil {
		log.Fatal("Failed to prepare the metadata: ", err)
	}

	if checkFiles {
		if err := files.CheckFiles(context.Background()); err != nil {
			log.Fatal("Missing image files: ", err)
		}
		log.Print("All image files exist")
	}

	// Write outputs.
	if tfRecordOutPath != "" {
		root := ""
		if embedImages {
			root = opts.FileRoot
		}
		err := cocoloader.WriteTFRecord(tfRecordOutPath, root, loader.Records(), loader.BoxFormat(),
			numTFShards)
		if err != nil {
			log.Fatal("TFRecord export failed: ", err)
		}
	}

	if previewDirPath != "" {
		err := cocoloader.SaveMaskPreviews(previewDirPath, opts.FileRoot, loader.Records(),
			opts.Rasterizer, opts.Ratio)
		if err != nil {
			log.Print("Some mask previews failed: ", err)
		}
	}

	out := loader.Outputs()
	source := "annotations"
	if loader.FromCache() {
		source = "meta cache"
	}
	log.Printf("Loaded %d images with %d boxes from the %s (%s masks)", loader.Size(),
		len(out.Labels), source, loader.MaskMode())
	log.Printf("Shard %d of %d serves %d images", shardID, numShards, files.ShardSize())
}
