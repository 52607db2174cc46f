package cocoloader

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoader(t *testing.T) {
	files := newTestFileList(t)
	loader, err := NewLoader(testOptions(t), files)
	require.NoError(t, err)

	assert.Equal(t, Ready, loader.State())
	assert.False(t, loader.FromCache())
	assert.Equal(t, 2, loader.Size())
	assert.Equal(t, MasksNone, loader.MaskMode())
	assert.Equal(t, BoxFormat{}, loader.BoxFormat())

	out := loader.Outputs()
	assert.Equal(t, []int{2, 0}, out.Counts)
	assert.Equal(t, []int{0, 2}, out.Offsets)
	assert.Len(t, out.Boxes, 8)
	assert.Equal(t, []int{1, 2}, out.Labels)

	rows := []ImageLabel{{"a.jpg", 0}, {"b.jpg", 1}}
	assert.Equal(t, rows, loader.ImageLabels())
	assert.Equal(t, rows, files.Rows())
	assert.Equal(t, 1, files.Epoch())
}

func TestNewLoader_InvalidOptions(t *testing.T) {
	loader, err := NewLoader(Options{}, newTestFileList(t))
	assert.Error(t, err)
	assert.Nil(t, loader)

	loader, err = NewLoader(testOptions(t), nil)
	assert.Error(t, err)
	assert.Nil(t, loader)
}

func TestNewLoader_MalformedDocument(t *testing.T) {
	opts := DefaultOptions()
	opts.AnnotationsFile = writeTestFile(t, t.TempDir(), "instances.json",
		`{"images": [{"id": 1, "file_name": "x.jpg"}], "annotations": [{"image_id": 2,
		  "category_id": 1, "bbox": [0, 0, 1, 1]}]}`)

	loader, err := NewLoader(opts, newTestFileList(t))
	require.Error(t, err)
	assert.Nil(t, loader)
	assert.True(t, errors.Is(err, ErrMalformedDocument))
}

func TestNewLoader_NoFilesFound(t *testing.T) {
	opts := DefaultOptions()
	opts.SkipEmpty = true
	opts.AnnotationsFile = writeTestFile(t, t.TempDir(), "instances.json",
		`{"images": [{"id": 1, "file_name": "x.jpg"}], "categories": [], "annotations": []}`)

	_, err := NewLoader(opts, newTestFileList(t))
	assert.True(t, errors.Is(err, ErrNoFilesFound))
}

func TestNewLoader_CacheMissing(t *testing.T) {
	opts := testOptions(t)
	opts.MetaFilesPath = filepath.Join(t.TempDir(), "meta.zst")

	// Falls back to the document.
	loader, err := NewLoader(opts, newTestFileList(t))
	require.NoError(t, err)
	assert.False(t, loader.FromCache())
	assert.Equal(t, 2, loader.Size())

	// Without a document the missing cache is fatal.
	opts.AnnotationsFile = ""
	_, err = NewLoader(opts, newTestFileList(t))
	assert.True(t, errors.Is(err, ErrCacheMissing))
}

func TestNewLoader_CacheRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		cache  string
		modify func(o *Options)
	}{
		{"plain", "meta.txt", func(o *Options) {}},
		{"polygon masks", "meta.gz", func(o *Options) { o.ReadMasks = true }},
		{"pixelwise masks", "meta.zst", func(o *Options) { o.PixelwiseMasks = true }},
		{"image ids", "meta.lz4", func(o *Options) { o.SaveImgIDs = true }},
		{"shuffled", "meta.zst", func(o *Options) { o.ShuffleAfterEpoch, o.ReadMasks = true, true }},
		{"ratio", "meta.txt", func(o *Options) { o.Ratio, o.LTRB = true, true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cachePath := filepath.Join(t.TempDir(), tt.cache)
			opts := testOptions(t)
			tt.modify(&opts)
			opts.DumpMetaFilesPath = cachePath

			live, err := NewLoader(opts, newTestFileList(t))
			require.NoError(t, err)
			require.FileExists(t, cachePath)

			opts.AnnotationsFile = ""
			opts.DumpMetaFilesPath = ""
			opts.MetaFilesPath = cachePath
			cached, err := NewLoader(opts, newTestFileList(t))
			require.NoError(t, err)

			assert.True(t, cached.FromCache())
			assert.Equal(t, live.Outputs(), cached.Outputs())
			assert.Equal(t, live.ImageLabels(), cached.ImageLabels())
			assert.Equal(t, live.Size(), cached.Size())
		})
	}
}

func TestNewLoader_CacheMismatch(t *testing.T) {
	cachePath := filepath.Join(t.TempDir(), "meta.txt")
	opts := testOptions(t)
	opts.ReadMasks = true
	opts.DumpMetaFilesPath = cachePath
	_, err := NewLoader(opts, newTestFileList(t))
	require.NoError(t, err)

	opts.DumpMetaFilesPath = ""
	opts.MetaFilesPath = cachePath

	opts.PixelwiseMasks = true
	_, err = NewLoader(opts, newTestFileList(t))
	assert.True(t, errors.Is(err, ErrCacheFormat))

	// Corrupt caches never fall back to the document.
	opts.PixelwiseMasks = false
	opts.SaveImgIDs = true
	_, err = NewLoader(opts, newTestFileList(t))
	assert.True(t, errors.Is(err, ErrCacheFormat))

	opts.SaveImgIDs = false
	opts.LTRB = true
	_, err = NewLoader(opts, newTestFileList(t))
	assert.True(t, errors.Is(err, ErrCacheFormat))

	opts.LTRB = false
	opts.Ratio = true
	_, err = NewLoader(opts, newTestFileList(t))
	assert.True(t, errors.Is(err, ErrCacheFormat))
}

func TestNewLoader_ShuffledCache(t *testing.T) {
	cachePath := filepath.Join(t.TempDir(), "meta.txt")
	opts := testOptions(t)
	opts.ShuffleAfterEpoch = true
	opts.DumpMetaFilesPath = cachePath
	_, err := NewLoader(opts, newTestFileList(t))
	require.NoError(t, err)

	opts.AnnotationsFile = ""
	opts.DumpMetaFilesPath = ""
	opts.MetaFilesPath = cachePath
	opts.ShuffleAfterEpoch = false
	_, err = NewLoader(opts, newTestFileList(t))
	assert.True(t, errors.Is(err, ErrCacheFormat))

	// An unshuffled cache is shuffled after loading, like a live parse.
	plainPath := filepath.Join(t.TempDir(), "meta.txt")
	plain := testOptions(t)
	plain.DumpMetaFilesPath = plainPath
	_, err = NewLoader(plain, newTestFileList(t))
	require.NoError(t, err)

	live := testOptions(t)
	live.ShuffleAfterEpoch = true
	want, err := NewLoader(live, newTestFileList(t))
	require.NoError(t, err)

	plain.AnnotationsFile = ""
	plain.DumpMetaFilesPath = ""
	plain.MetaFilesPath = plainPath
	plain.ShuffleAfterEpoch = true
	got, err := NewLoader(plain, newTestFileList(t))
	require.NoError(t, err)
	assert.Equal(t, want.Outputs(), got.Outputs())
	assert.Equal(t, want.ImageLabels(), got.ImageLabels())
}

func TestNewLoader_DegeneratePolygons(t *testing.T) {
	doc := `{"categories": [{"id": 1}], "images": [{"id": 1, "file_name": "x.jpg", "height": 10, "width": 10}],
	  "annotations": [
	    {"image_id": 1, "category_id": 1, "bbox": [1, 1, 4, 4], "segmentation": [[1, 1, 5, 5]]},
	    {"image_id": 1, "category_id": 1, "bbox": [2, 2, 4, 4], "segmentation": [[2, 2, 6, 2, 6, 6, 2, 6]]}
	  ]}`
	for _, raster := range []Rasterizer{PolygonRasterizer{}, Draw2DRasterizer{}} {
		opts := DefaultOptions()
		opts.AnnotationsFile = writeTestFile(t, t.TempDir(), "instances.json", doc)
		opts.PixelwiseMasks = true
		opts.Rasterizer = raster

		loader, err := NewLoader(opts, newTestFileList(t))
		require.NoError(t, err, "%T", raster)

		out := loader.Outputs()
		assert.Equal(t, []int{2}, out.Counts)
		require.Len(t, out.MasksRLEs[0], 2)
		assert.Equal(t, []int{0, 1}, out.MasksRLEsIdx[0])

		empty, err := ParseRLEString(out.MasksRLEs[0][0], 10, 10)
		require.NoError(t, err)
		assert.Equal(t, 0, empty.Area())
	}
}

// shuffleDocument has images of distinct sizes, each with as many square masks as its index.
func shuffleDocument(n int) string {
	var images, annotations []string
	for i := 0; i < n; i++ {
		size := 10 + i
		images = append(images, fmt.Sprintf(
			`{"id": %d, "file_name": "%03d.jpg", "height": %d, "width": %d}`, i, i, size, size))
		for j := 0; j < i; j++ {
			annotations = append(annotations, fmt.Sprintf(
				`{"image_id": %d, "category_id": 1, "bbox": [0, 0, %d, %d], "segmentation": [[0, 0, %d, 0, %d, %d, 0, %d]]}`,
				i, j+1, j+1, j+1, j+1, j+1, j+1))
		}
	}
	return fmt.Sprintf(`{"categories": [{"id": 1}], "images": [%s], "annotations": [%s]}`,
		strings.Join(images, ","), strings.Join(annotations, ","))
}

func TestNewLoader_Shuffle(t *testing.T) {
	const numImages = 12
	doc := shuffleDocument(numImages)

	for _, pixelwise := range []bool{false, true} {
		opts := DefaultOptions()
		opts.AnnotationsFile = writeTestFile(t, t.TempDir(), "instances.json", doc)
		opts.ReadMasks = true
		opts.PixelwiseMasks = pixelwise
		opts.ShuffleAfterEpoch = true

		first, err := NewLoader(opts, newTestFileList(t))
		require.NoError(t, err)
		second, err := NewLoader(opts, newTestFileList(t))
		require.NoError(t, err)
		assert.Equal(t, first.ImageLabels(), second.ImageLabels())
		assert.Equal(t, first.Outputs(), second.Outputs())

		opts.ShuffleAfterEpoch = false
		unshuffled, err := NewLoader(opts, newTestFileList(t))
		require.NoError(t, err)
		assert.NotEqual(t, unshuffled.ImageLabels(), first.ImageLabels())

		// The mask arrays follow the rows: row i is the image with id and mask count
		// size-10, and every mask of the image is square j+1.
		rows := first.ImageLabels()
		out := first.Outputs()
		require.Len(t, out.MasksMeta, numImages)
		require.Len(t, out.MasksCoords, numImages)
		require.Len(t, out.MasksRLEs, numImages)
		require.Len(t, out.MasksRLEsIdx, numImages)
		for i, row := range rows {
			assert.Equal(t, i, row.Label)
			id := out.Heights[i] - 10
			assert.Equal(t, fmt.Sprintf("%03d.jpg", id), row.FileName)
			assert.Equal(t, id, out.Counts[i])

			if pixelwise {
				assert.Empty(t, out.MasksMeta[i])
				assert.Empty(t, out.MasksCoords[i])
				require.Len(t, out.MasksRLEs[i], id)
				for j, s := range out.MasksRLEs[i] {
					assert.Equal(t, j, out.MasksRLEsIdx[i][j])
					r, err := ParseRLEString(s, out.Heights[i], out.Widths[i])
					require.NoError(t, err)
					assert.Equal(t, (j+1)*(j+1), r.Area())
				}
				continue
			}
			assert.Empty(t, out.MasksRLEs[i])
			assert.Empty(t, out.MasksRLEsIdx[i])
			require.Len(t, out.MasksMeta[i], 3*id)
			for j := 0; j < id; j++ {
				meta := out.MasksMeta[i][3*j : 3*j+3]
				assert.Equal(t, []int{j, 8 * j, 8}, meta)
				assert.Equal(t, float32(j+1), out.MasksCoords[i][8*j+2])
			}
		}
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "ready", Ready.String())
	assert.Equal(t, "loading-from-cache", LoadingFromCache.String())
	assert.Equal(t, "State(42)", State(42).String())
}
