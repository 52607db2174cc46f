package cocoloader

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetaCache_RoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		modify func(o *Options)
	}{
		{"no masks", func(o *Options) {}},
		{"polygon masks", func(o *Options) { o.ReadMasks = true }},
		{"pixelwise masks", func(o *Options) { o.PixelwiseMasks = true }},
		{"ratio and ltrb", func(o *Options) { o.Ratio, o.LTRB, o.ReadMasks = true, true, true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			opts.SaveImgIDs = true
			tt.modify(&opts)
			records := aggregate(t, opts, testDocument)
			rows := ImageLabels(records)
			info := CacheInfo{Masks: opts.maskMode(), SaveIDs: true, LTRB: opts.LTRB, Ratio: opts.Ratio}

			path := filepath.Join(t.TempDir(), "meta.txt")
			require.NoError(t, WriteMetaCache(path, records, rows, info))

			cache, err := ReadMetaCache(path)
			require.NoError(t, err)
			assert.Equal(t, info, cache.CacheInfo)
			assert.Equal(t, rows, cache.Rows)
			assert.Equal(t, BuildOutputs(records, true), BuildOutputs(cache.Records, true))
		})
	}
}

func TestMetaCache_Compression(t *testing.T) {
	magic := map[string][]byte{
		"meta.zst": {0x28, 0xb5, 0x2f, 0xfd},
		"meta.gz":  {0x1f, 0x8b},
		"meta.lz4": {0x04, 0x22, 0x4d, 0x18},
	}
	opts := DefaultOptions()
	opts.PixelwiseMasks = true
	records := aggregate(t, opts, testDocument)
	info := CacheInfo{Masks: MasksPixelwise}

	for name, prefix := range magic {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, WriteMetaCache(path, records, ImageLabels(records), info))

			raw, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.True(t, bytes.HasPrefix(raw, prefix), "missing magic number in %x", raw)

			cache, err := ReadMetaCache(path)
			require.NoError(t, err)
			assert.Equal(t, BuildOutputs(records, false), BuildOutputs(cache.Records, false))
		})
	}
}

func TestMetaCache_Format(t *testing.T) {
	records := []ImageRecord{{
		FileName:   `dir/with space "quoted".jpg`,
		OriginalID: 42,
		Height:     3,
		Width:      4,
		Boxes:      []float32{0.1, 0.2, 1.5, 2},
		Labels:     []int{2},
		MaskMeta:   []MaskMeta{{Index: 0, Offset: 0, Size: 6}},
		MaskCoords: []float32{0, 0, 1, 0, 1, 1},
	}}
	reindex(records)
	path := filepath.Join(t.TempDir(), "meta.txt")
	info := CacheInfo{Masks: MasksPolygon, SaveIDs: true, Shuffled: true, Ratio: true}
	require.NoError(t, WriteMetaCache(path, records, ImageLabels(records), info))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "#cocometa v1 masks=polygon ids=1 shuffled=1 ltrb=0 ratio=1 images=1\n"+
		`"dir/with space \"quoted\".jpg" 0 3 4 1 42`+"\n"+
		"0.1 0.2 1.5 2 2\n"+
		"polygons 1\n"+
		"0 0 6 0 0 1 0 1 1\n", string(raw))

	cache, err := ReadMetaCache(path)
	require.NoError(t, err)
	assert.True(t, cache.Shuffled)
	assert.True(t, cache.Ratio)
	assert.False(t, cache.LTRB)
	assert.Equal(t, records[0].FileName, cache.Records[0].FileName)
	assert.Equal(t, records[0].Boxes, cache.Records[0].Boxes)
	assert.Equal(t, int64(42), cache.Records[0].OriginalID)
}

func TestMetaCache_RowCountMismatch(t *testing.T) {
	records := aggregate(t, DefaultOptions(), testDocument)
	path := filepath.Join(t.TempDir(), "meta.txt")
	assert.Error(t, WriteMetaCache(path, records, nil, CacheInfo{}))
}

func TestReadMetaCache_Missing(t *testing.T) {
	_, err := ReadMetaCache(filepath.Join(t.TempDir(), "none.zst"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCacheMissing))
	assert.False(t, errors.Is(err, ErrCacheFormat))
}

func TestReadMetaCache_Malformed(t *testing.T) {
	const header = "#cocometa v1 masks=none ids=0 shuffled=0 ltrb=0 ratio=0 images=1\n"
	tests := []struct {
		name    string
		content string
		line    int
	}{
		{"empty", "", 1},
		{"no header", `"a.jpg" 0 1 1 0` + "\n", 1},
		{"bad version", "#cocometa v9 masks=none ids=0 shuffled=0 ltrb=0 ratio=0 images=1\n", 1},
		{"bad mask mode", "#cocometa v1 masks=bitmap ids=0 shuffled=0 ltrb=0 ratio=0 images=1\n", 1},
		{"bad image count", "#cocometa v1 masks=none ids=0 shuffled=0 ltrb=0 ratio=0 images=x\n", 1},
		{"missing box format", "#cocometa v1 masks=none ids=0 shuffled=0 images=1\n", 1},
		{"bad ratio flag", "#cocometa v1 masks=none ids=0 shuffled=0 ltrb=0 ratio=2 images=1\n", 1},
		{
			"huge image count",
			"#cocometa v1 masks=none ids=0 shuffled=0 ltrb=0 ratio=0 images=9000000000000000000\n",
			2,
		},
		{"huge box count", header + `"a.jpg" 0 1 1 4611686018427387904` + "\n", 3},
		{"missing record", header, 2},
		{"unquoted file name", header + "a.jpg 0 1 1 0\n", 2},
		{"missing fields", header + `"a.jpg" 0 1 1` + "\n", 2},
		{"non-numeric label", header + `"a.jpg" x 1 1 0` + "\n", 2},
		{"missing box", header + `"a.jpg" 0 1 1 1` + "\n", 3},
		{"short box", header + `"a.jpg" 0 1 1 1` + "\n0 0 1\n", 3},
		{"non-numeric box", header + `"a.jpg" 0 1 1 1` + "\n0 0 1 y 1\n", 3},
		{"trailing content", header + `"a.jpg" 0 1 1 0` + "\nextra\n", 3},
		{
			"missing polygons section",
			"#cocometa v1 masks=polygon ids=0 shuffled=0 ltrb=0 ratio=0 images=1\n" + `"a.jpg" 0 1 1 0` + "\n",
			3,
		},
		{
			"polygon size mismatch",
			"#cocometa v1 masks=polygon ids=0 shuffled=0 ltrb=0 ratio=0 images=1\n" + `"a.jpg" 0 1 1 0` +
				"\npolygons 1\n0 0 8 0 0 1 0 1 1\n",
			4,
		},
		{
			"invalid rle",
			"#cocometa v1 masks=pixelwise ids=0 shuffled=0 ltrb=0 ratio=0 images=1\n" + `"a.jpg" 0 1 1 0` +
				"\nrles 1\n0 P\n",
			4,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTestFile(t, t.TempDir(), "meta.txt", tt.content)
			cache, err := ReadMetaCache(path)
			require.Error(t, err)
			assert.Nil(t, cache)
			assert.True(t, errors.Is(err, ErrCacheFormat))

			var cacheErr *CacheError
			require.True(t, errors.As(err, &cacheErr))
			assert.Equal(t, path, cacheErr.Path)
			assert.Equal(t, tt.line, cacheErr.Line)
		})
	}
}
