package cocoloader

// The meta cache: a line-oriented text dump of the aggregated records which can be read back
// instead of parsing the annotation document.
//
// Format:
//
//	#cocometa v1 masks=<none|polygon|pixelwise> ids=<0|1> shuffled=<0|1> ltrb=<0|1> ratio=<0|1> images=<n>
//	"<filename>" <label> <height> <width> <box_count> [<original_id>]
//	<b0> <b1> <b2> <b3> <label>               (box_count lines)
//	polygons <n>                               (polygon masks only)
//	<mask_index> <offset> <size> <c_0> ... <c_size-1>
//	rles <n>                                   (pixelwise masks only)
//	<mask_index> <rle>
//
// Floats are written in their shortest float32 representation, so that reading a cache
// reproduces the written values exactly. Files ending in .zst, .gz or .lz4 are compressed.

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
)

const (
	cacheMagic   = "#cocometa"
	cacheVersion = "v1"

	// maxPrealloc caps capacities taken from counts in the file, which are not trusted.
	maxPrealloc = 1 << 16
)

// CacheInfo describes the content of a meta cache.
type CacheInfo struct {
	Masks    MaskMode
	SaveIDs  bool // Whether the original image ids are stored.
	Shuffled bool // Whether the records are already in shuffled order.
	LTRB     bool // Whether the boxes are x1, y1, x2, y2.
	Ratio    bool // Whether the coordinates are relative to the image size.
}

// MetaCache is the content of a meta cache file.
type MetaCache struct {
	CacheInfo
	Records []ImageRecord
	Rows    []ImageLabel
}

// WriteMetaCache writes records and their (filename, label) rows to path.
func WriteMetaCache(path string, records []ImageRecord, rows []ImageLabel,
	info CacheInfo) (err error) {

	if len(rows) != len(records) {
		return fmt.Errorf("got %d rows for %d records", len(rows), len(records))
	}

	f, err := createFile(path)
	if err != nil {
		return fmt.Errorf("failed to create the meta cache %q: %v", path, err)
	}
	defer closeWithErrCheck(f, &err)

	buf := make([]byte, 0, 256)
	buf = fmt.Appendf(buf, "%s %s masks=%s ids=%s shuffled=%s ltrb=%s ratio=%s images=%d\n",
		cacheMagic, cacheVersion, info.Masks, boolFlag(info.SaveIDs), boolFlag(info.Shuffled),
		boolFlag(info.LTRB), boolFlag(info.Ratio), len(records))
	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("failed to write the meta cache %q: %v", path, err)
	}

	for i := range records {
		buf = appendRecord(buf[:0], &records[i], rows[i], info)
		if _, err := f.Write(buf); err != nil {
			return fmt.Errorf("failed to write the meta cache %q: %v", path, err)
		}
	}

	log.Printf("Wrote the meta cache for %d images to %s", len(records), path)
	return nil
}

func appendRecord(buf []byte, r *ImageRecord, row ImageLabel, info CacheInfo) []byte {
	buf = strconv.AppendQuote(buf, row.FileName)
	buf = fmt.Appendf(buf, " %d %d %d %d", row.Label, r.Height, r.Width, len(r.Labels))
	if info.SaveIDs {
		buf = fmt.Appendf(buf, " %d", r.OriginalID)
	}
	buf = append(buf, '\n')

	for b, label := range r.Labels {
		for _, v := range r.Boxes[4*b : 4*b+4] {
			buf = appendFloat32(buf, v)
			buf = append(buf, ' ')
		}
		buf = strconv.AppendInt(buf, int64(label), 10)
		buf = append(buf, '\n')
	}

	switch info.Masks {
	case MasksPolygon:
		buf = fmt.Appendf(buf, "polygons %d\n", len(r.MaskMeta))
		for _, m := range r.MaskMeta {
			buf = fmt.Appendf(buf, "%d %d %d", m.Index, m.Offset, m.Size)
			for _, c := range r.MaskCoords[m.Offset : m.Offset+m.Size] {
				buf = append(buf, ' ')
				buf = appendFloat32(buf, c)
			}
			buf = append(buf, '\n')
		}
	case MasksPixelwise:
		buf = fmt.Appendf(buf, "rles %d\n", len(r.MaskRLEs))
		for j, rle := range r.MaskRLEs {
			buf = fmt.Appendf(buf, "%d %s\n", r.MaskRLEIdx[j], rle)
		}
	}
	return buf
}

func appendFloat32(buf []byte, v float32) []byte {
	return strconv.AppendFloat(buf, float64(v), 'g', -1, 32)
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// ReadMetaCache reads the meta cache at path. It returns an error matching ErrCacheMissing if
// the file does not exist and a *CacheError for malformed content.
func ReadMetaCache(path string) (cache *MetaCache, err error) {
	f, err := openFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %q", ErrCacheMissing, path)
		}
		return nil, fmt.Errorf("cannot read the meta cache %q: %v", path, err)
	}
	defer closeWithErrCheck(f, &err)

	p := &cacheParser{path: path, scanner: bufio.NewScanner(f)}
	p.scanner.Buffer(make([]byte, 0, 64*1024), 256*1024*1024)

	cache, err = p.parse()
	if err != nil {
		return nil, err
	}
	log.Printf("Read the meta cache for %d images from %s", len(cache.Records), path)
	return cache, nil
}

// cacheParser reads a meta cache line by line.
type cacheParser struct {
	path    string
	scanner *bufio.Scanner
	line    int
}

func (p *cacheParser) errorf(format string, args ...interface{}) error {
	return &CacheError{Path: p.path, Line: p.line, cause: fmt.Errorf(format, args...)}
}

// nextLine returns the next line or an error at the end of the input.
func (p *cacheParser) nextLine() (string, error) {
	if !p.scanner.Scan() {
		if err := p.scanner.Err(); err != nil {
			return "", &CacheError{Path: p.path, Line: p.line + 1, cause: err}
		}
		return "", &CacheError{Path: p.path, Line: p.line + 1, cause: io.ErrUnexpectedEOF}
	}
	p.line++
	return p.scanner.Text(), nil
}

func (p *cacheParser) nextFields() ([]string, error) {
	line, err := p.nextLine()
	if err != nil {
		return nil, err
	}
	return strings.Fields(line), nil
}

func (p *cacheParser) parse() (*MetaCache, error) {
	cache := &MetaCache{}
	numImages, err := p.parseHeader(&cache.CacheInfo)
	if err != nil {
		return nil, err
	}

	cache.Records = make([]ImageRecord, 0, min(numImages, maxPrealloc))
	cache.Rows = make([]ImageLabel, 0, min(numImages, maxPrealloc))
	for i := 0; i < numImages; i++ {
		rec, row, err := p.parseRecord(cache.CacheInfo)
		if err != nil {
			return nil, err
		}
		cache.Records = append(cache.Records, rec)
		cache.Rows = append(cache.Rows, row)
	}

	if p.scanner.Scan() {
		p.line++
		return nil, p.errorf("unexpected content after %d images", numImages)
	}
	if err := p.scanner.Err(); err != nil {
		return nil, &CacheError{Path: p.path, Line: p.line + 1, cause: err}
	}

	reindex(cache.Records)
	return cache, nil
}

func (p *cacheParser) parseHeader(info *CacheInfo) (numImages int, err error) {
	fields, err := p.nextFields()
	if err != nil {
		return 0, err
	}
	if len(fields) != 8 || fields[0] != cacheMagic {
		return 0, p.errorf("missing %s header", cacheMagic)
	}
	if fields[1] != cacheVersion {
		return 0, p.errorf("unsupported version %q", fields[1])
	}

	values := make(map[string]string, 6)
	for _, kv := range fields[2:] {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return 0, p.errorf("invalid header field %q", kv)
		}
		values[k] = v
	}

	if info.Masks, err = maskModeFrom(values["masks"]); err != nil {
		return 0, p.errorf("%v", err)
	}
	if info.SaveIDs, err = parseFlag(values["ids"]); err != nil {
		return 0, p.errorf("ids: %v", err)
	}
	if info.Shuffled, err = parseFlag(values["shuffled"]); err != nil {
		return 0, p.errorf("shuffled: %v", err)
	}
	if info.LTRB, err = parseFlag(values["ltrb"]); err != nil {
		return 0, p.errorf("ltrb: %v", err)
	}
	if info.Ratio, err = parseFlag(values["ratio"]); err != nil {
		return 0, p.errorf("ratio: %v", err)
	}
	if numImages, err = strconv.Atoi(values["images"]); err != nil || numImages < 0 {
		return 0, p.errorf("invalid image count %q", values["images"])
	}
	return numImages, nil
}

func (p *cacheParser) parseRecord(info CacheInfo) (ImageRecord, ImageLabel, error) {
	var rec ImageRecord
	var row ImageLabel

	line, err := p.nextLine()
	if err != nil {
		return rec, row, err
	}
	quoted, err := strconv.QuotedPrefix(line)
	if err != nil {
		return rec, row, p.errorf("invalid file name: %v", err)
	}
	row.FileName, _ = strconv.Unquote(quoted)
	rec.FileName = row.FileName

	fields := strings.Fields(line[len(quoted):])
	want := 4
	if info.SaveIDs {
		want = 5
	}
	if len(fields) != want {
		return rec, row, p.errorf("expected %d fields after the file name, got %d", want, len(fields))
	}
	ints, err := p.parseInts(fields[:4])
	if err != nil {
		return rec, row, err
	}
	row.Label, rec.Height, rec.Width = ints[0], ints[1], ints[2]
	numBoxes := ints[3]
	if numBoxes < 0 || rec.Height < 0 || rec.Width < 0 {
		return rec, row, p.errorf("negative value in %q", line)
	}
	if info.SaveIDs {
		if rec.OriginalID, err = strconv.ParseInt(fields[4], 10, 64); err != nil {
			return rec, row, p.errorf("invalid image id %q", fields[4])
		}
	}

	rec.Boxes = make([]float32, 0, 4*min(numBoxes, maxPrealloc))
	rec.Labels = make([]int, 0, min(numBoxes, maxPrealloc))
	for b := 0; b < numBoxes; b++ {
		fields, err := p.nextFields()
		if err != nil {
			return rec, row, err
		}
		if len(fields) != 5 {
			return rec, row, p.errorf("expected 5 box fields, got %d", len(fields))
		}
		coords, err := p.parseFloats(fields[:4])
		if err != nil {
			return rec, row, err
		}
		label, err := strconv.Atoi(fields[4])
		if err != nil {
			return rec, row, p.errorf("invalid label %q", fields[4])
		}
		rec.Boxes = append(rec.Boxes, coords...)
		rec.Labels = append(rec.Labels, label)
	}
	rec.BoxCount = numBoxes

	switch info.Masks {
	case MasksPolygon:
		err = p.parsePolygons(&rec)
	case MasksPixelwise:
		err = p.parseRLEs(&rec)
	}
	return rec, row, err
}

// parseSection reads a "<name> <n>" line and returns n.
func (p *cacheParser) parseSection(name string) (int, error) {
	fields, err := p.nextFields()
	if err != nil {
		return 0, err
	}
	if len(fields) != 2 || fields[0] != name {
		return 0, p.errorf("expected %q section", name)
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil || n < 0 {
		return 0, p.errorf("invalid %s count %q", name, fields[1])
	}
	return n, nil
}

func (p *cacheParser) parsePolygons(rec *ImageRecord) error {
	n, err := p.parseSection("polygons")
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		fields, err := p.nextFields()
		if err != nil {
			return err
		}
		if len(fields) < 3 {
			return p.errorf("expected at least 3 polygon fields, got %d", len(fields))
		}
		ints, err := p.parseInts(fields[:3])
		if err != nil {
			return err
		}
		m := MaskMeta{Index: ints[0], Offset: ints[1], Size: ints[2]}
		if m.Offset != len(rec.MaskCoords) || m.Size != len(fields)-3 {
			return p.errorf("polygon offset %d and size %d do not match its coordinates",
				m.Offset, m.Size)
		}
		coords, err := p.parseFloats(fields[3:])
		if err != nil {
			return err
		}
		rec.MaskMeta = append(rec.MaskMeta, m)
		rec.MaskCoords = append(rec.MaskCoords, coords...)
	}
	return nil
}

func (p *cacheParser) parseRLEs(rec *ImageRecord) error {
	n, err := p.parseSection("rles")
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		fields, err := p.nextFields()
		if err != nil {
			return err
		}
		if len(fields) != 2 {
			return p.errorf("expected 2 RLE fields, got %d", len(fields))
		}
		idx, err := strconv.Atoi(fields[0])
		if err != nil {
			return p.errorf("invalid mask index %q", fields[0])
		}
		if _, err := DecodeRLEString(fields[1]); err != nil {
			return p.errorf("%v", err)
		}
		rec.MaskRLEIdx = append(rec.MaskRLEIdx, idx)
		rec.MaskRLEs = append(rec.MaskRLEs, fields[1])
	}
	return nil
}

func (p *cacheParser) parseInts(fields []string) ([]int, error) {
	values := make([]int, len(fields))
	for i, s := range fields {
		v, err := strconv.Atoi(s)
		if err != nil {
			return nil, p.errorf("non-numeric value %q", s)
		}
		values[i] = v
	}
	return values, nil
}

func (p *cacheParser) parseFloats(fields []string) ([]float32, error) {
	values := make([]float32, len(fields))
	for i, s := range fields {
		v, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return nil, p.errorf("non-numeric value %q", s)
		}
		values[i] = float32(v)
	}
	return values, nil
}

func parseFlag(s string) (bool, error) {
	switch s {
	case "0":
		return false, nil
	case "1":
		return true, nil
	}
	return false, fmt.Errorf("invalid flag %q", s)
}
