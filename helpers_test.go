package cocoloader

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// testDocument has two images: a.jpg with a polygon and an RLE annotation, b.jpg without
// annotations.
const testDocument = `{
  "info": {"description": "test", "year": 2019},
  "licenses": [],
  "categories": [{"id": 3, "name": "cat"}, {"id": 7, "name": "dog"}],
  "images": [
    {"id": 10, "file_name": "a.jpg", "height": 20, "width": 20},
    {"id": 11, "file_name": "b.jpg", "height": 10, "width": 10}
  ],
  "annotations": [
    {"id": 1, "image_id": 10, "category_id": 3, "bbox": [0, 0, 10, 10],
     "segmentation": [[0, 0, 10, 0, 10, 10, 0, 10]], "iscrowd": 0},
    {"id": 2, "image_id": 10, "category_id": 7, "bbox": [2, 3, 4, 5],
     "segmentation": {"counts": [22, 4, 6, 4, 6, 4, 6, 4, 344], "size": [20, 20]}, "iscrowd": 1}
  ]
}`

// squareRLE is the compact RLE of the 10x10 square at the origin of a 20x20 image.
const squareRLE = "0::00000000000000000X6"

// writeTestFile writes content to name in dir and returns the path.
func writeTestFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func mustParse(t *testing.T, doc string) *Document {
	t.Helper()
	d, err := ParseDocument(strings.NewReader(doc))
	require.NoError(t, err)
	return d
}

// testOptions returns options for the test document written to a temp dir.
func testOptions(t *testing.T) Options {
	t.Helper()
	opts := DefaultOptions()
	opts.AnnotationsFile = writeTestFile(t, t.TempDir(), "instances.json", testDocument)
	return opts
}

func newTestFileList(t *testing.T) *FileList {
	t.Helper()
	f, err := NewFileList(t.TempDir(), 0, 1, false, DataloaderSeed)
	require.NoError(t, err)
	return f
}
