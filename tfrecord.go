package cocoloader

// TFRecord export of the prepared records.

import (
	"bytes"
	"fmt"
	"image"
	"io"
	"io/ioutil"
	"log"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/golang/protobuf/proto"
	"github.com/ryszard/tfutils/go/example"
	"github.com/ryszard/tfutils/go/tfrecord"
	"github.com/ryszard/tfutils/proto/tensorflow/core/example" // package tensorflow
)

// TFFeatureMap maps feature names to their values. Values must be convertible to
// tensorflow.Feature.
type TFFeatureMap map[string]interface{}

// toTFFeatures converts a record to the TF object detection feature layout. Boxes are
// converted to normalized x1, y1, x2, y2 coordinates. imgFormat is the format name of imgData.
func toTFFeatures(rec *ImageRecord, format BoxFormat, imgData []byte,
	imgFormat string) (TFFeatureMap, error) {
	if rec.Height <= 0 || rec.Width <= 0 {
		return nil, fmt.Errorf("unknown image size")
	}

	f := make(TFFeatureMap, 16)
	f["image/height"] = rec.Height
	f["image/width"] = rec.Width
	f["image/filename"] = rec.FileName
	f["image/source_id"] = strconv.FormatInt(rec.OriginalID, 10)
	if imgData != nil {
		f["image/encoded"] = imgData
		f["image/format"] = imgFormat
	}

	// Prepare the per box data.
	w, h := float32(rec.Width), float32(rec.Height)
	if format.Ratio {
		w, h = 1, 1
	}
	n := len(rec.Labels)
	xmins := make([]float32, n)
	ymins := make([]float32, n)
	xmaxs := make([]float32, n)
	ymaxs := make([]float32, n)
	classIDs := make([]int64, n)
	for i := 0; i < n; i++ {
		b := rec.Boxes[4*i : 4*i+4]
		x2, y2 := b[2], b[3]
		if !format.LTRB {
			x2 += b[0]
			y2 += b[1]
		}
		xmins[i] = b[0] / w
		ymins[i] = b[1] / h
		xmaxs[i] = x2 / w
		ymaxs[i] = y2 / h
		classIDs[i] = int64(rec.Labels[i])
	}
	f["image/object/bbox/xmin"] = xmins
	f["image/object/bbox/ymin"] = ymins
	f["image/object/bbox/xmax"] = xmaxs
	f["image/object/bbox/ymax"] = ymaxs
	f["image/object/class/label"] = classIDs

	if len(rec.MaskRLEs) > 0 {
		idx := make([]int64, len(rec.MaskRLEIdx))
		for i, v := range rec.MaskRLEIdx {
			idx[i] = int64(v)
		}
		f["image/object/mask/rle"] = append([]string(nil), rec.MaskRLEs...)
		f["image/object/mask/index"] = idx
	}
	if len(rec.MaskMeta) > 0 {
		meta := make([]int64, 0, 3*len(rec.MaskMeta))
		for _, m := range rec.MaskMeta {
			meta = append(meta, int64(m.Index), int64(m.Offset), int64(m.Size))
		}
		f["image/object/mask/polygon/meta"] = meta
		f["image/object/mask/polygon/coords"] = append([]float32(nil), rec.MaskCoords...)
	}

	return f, nil
}

// WriteTFRecord writes one tensorflow.Example per record to one or more TFRecord files stored
// under recordFilePath (with suffixes added when numShards>1). The encoded images are embedded
// if root is not empty; records whose image cannot be read are skipped.
func WriteTFRecord(recordFilePath, root string, records []ImageRecord, format BoxFormat,
	numShards int) (err error) {
	defer func() {
		if e := recover(); e != nil {
			err = fmt.Errorf("conversion to TensorFlow Example failed: %v", e)
		}
	}()

	if numShards <= 0 {
		numShards = 1
	}
	if len(records) == 0 {
		return ErrNoFilesFound
	}

	fmtShardSuffix := func(idx int) string {
		return fmt.Sprintf("-%05d-of-%05d", idx, numShards)
	}

	var shardFile *os.File
	defer func() {
		if shardFile != nil {
			closeWithErrCheck(shardFile, &err)
		}
	}()
	shardSize := int(math.Ceil(float64(len(records)) / float64(numShards)))
	shardIdx := -1
	written := 0

	// Convert and serialise one record at a time.
	for i := range records {
		rec := &records[i]

		// Check if a new shard file needs to be opened for writing.
		if i%shardSize == 0 {
			shardIdx++

			if shardFile != nil {
				if err := shardFile.Close(); err != nil {
					shardFile = nil
					return err
				}
				shardFile = nil
			}

			shardPath := recordFilePath
			if numShards > 1 {
				shardPath += fmtShardSuffix(shardIdx)
			}
			f, err := os.Create(shardPath)
			if err != nil {
				return fmt.Errorf("failed to create shard at %q: %v", shardPath, err)
			}
			shardFile = f
		}

		var imgData []byte
		if root != "" {
			data, readErr := ioutil.ReadFile(filepath.Join(root, rec.FileName))
			if readErr != nil {
				log.Printf("Failed to read the image, skipping %q: %v", rec.FileName, readErr)
				continue
			}
			imgData = data
		}

		features, err := toTFFeatures(rec, format, imgData, imageFormat(imgData, rec.FileName))
		if err != nil {
			log.Printf("Failed to convert %q: %v", rec.FileName, err)
			continue
		}
		if err := writeTFRecordExample(shardFile, example.New(features)); err != nil {
			return fmt.Errorf("failed to write the example for %q: %v", rec.FileName, err)
		}
		written++
	}

	log.Printf("Wrote %d examples to %d TFRecord shard(s) at %s", written, shardIdx+1,
		recordFilePath)
	return nil
}

// imageFormat returns the format name of the encoded image data, e.g. "jpeg" or "png". If the
// data cannot be decoded, the name is derived from the file extension.
func imageFormat(data []byte, fileName string) string {
	if len(data) > 0 {
		if _, format, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
			return format
		}
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(fileName), "."))
	switch ext {
	case "jpg", "jpe":
		return "jpeg"
	case "tif":
		return "tiff"
	}
	return ext
}

// writeTFRecordExample serialises the example and writes it as a TFRecord to w.
func writeTFRecordExample(w io.Writer, e *tensorflow.Example) error {
	enc, err := proto.Marshal(e)
	if err != nil {
		return err
	}

	return tfrecord.Write(w, enc)
}
