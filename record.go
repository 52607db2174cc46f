package cocoloader

// The aggregated per-image metadata and the flat output arrays built from it.

// ImageRecord is the aggregated metadata of one retained image.
type ImageRecord struct {
	FileName   string
	OriginalID int64 // The image id in the document.
	Index      int   // Position in the export order.
	Height     int
	Width      int
	BoxOffset  int // Offset, in boxes, into the flat box and label arrays.
	BoxCount   int
	Boxes      []float32 // 4 values per box.
	Labels     []int

	MaskMeta   []MaskMeta
	MaskCoords []float32 // All polygons of the image concatenated.
	MaskRLEs   []string
	MaskRLEIdx []int // The mask index of each RLE.
}

// ImageLabel is a (filename, label) row handed to the file loader. The label is the index of
// the image in the output arrays.
type ImageLabel struct {
	FileName string
	Label    int
}

// Outputs are the flat arrays consumed by the pipeline. Boxes and Labels are indexed through
// Offsets and Counts; the per-image arrays and the mask arrays are indexed by image.
type Outputs struct {
	Heights []int
	Widths  []int
	Offsets []int
	Boxes   []float32
	Labels  []int
	Counts  []int

	MasksMeta    [][]int // Flattened (mask index, offset, size) triples.
	MasksCoords  [][]float32
	MasksRLEs    [][]string
	MasksRLEsIdx [][]int

	OriginalIDs []int64 // Only populated when image ids are saved.
}

// reindex assigns the export positions and box offsets of records in their current order.
func reindex(records []ImageRecord) {
	offset := 0
	for i := range records {
		r := &records[i]
		r.Index = i
		r.BoxOffset = offset
		r.BoxCount = len(r.Labels)
		offset += r.BoxCount
	}
}

// ImageLabels returns the (filename, label) rows of records in export order.
func ImageLabels(records []ImageRecord) []ImageLabel {
	rows := make([]ImageLabel, len(records))
	for i, r := range records {
		rows[i] = ImageLabel{FileName: r.FileName, Label: r.Index}
	}
	return rows
}

// BuildOutputs flattens records, in their order, into newly allocated output arrays. The
// records must have been indexed in that order.
func BuildOutputs(records []ImageRecord, saveImgIDs bool) Outputs {
	n := len(records)
	numBoxes := 0
	for _, r := range records {
		numBoxes += r.BoxCount
	}

	out := Outputs{
		Heights:      make([]int, 0, n),
		Widths:       make([]int, 0, n),
		Offsets:      make([]int, 0, n),
		Boxes:        make([]float32, 0, 4*numBoxes),
		Labels:       make([]int, 0, numBoxes),
		Counts:       make([]int, 0, n),
		MasksMeta:    make([][]int, 0, n),
		MasksCoords:  make([][]float32, 0, n),
		MasksRLEs:    make([][]string, 0, n),
		MasksRLEsIdx: make([][]int, 0, n),
	}
	if saveImgIDs {
		out.OriginalIDs = make([]int64, 0, n)
	}

	for _, r := range records {
		out.Heights = append(out.Heights, r.Height)
		out.Widths = append(out.Widths, r.Width)
		out.Offsets = append(out.Offsets, r.BoxOffset)
		out.Counts = append(out.Counts, r.BoxCount)
		out.Boxes = append(out.Boxes, r.Boxes...)
		out.Labels = append(out.Labels, r.Labels...)

		meta := make([]int, 0, 3*len(r.MaskMeta))
		for _, m := range r.MaskMeta {
			meta = append(meta, m.Index, m.Offset, m.Size)
		}
		out.MasksMeta = append(out.MasksMeta, meta)
		out.MasksCoords = append(out.MasksCoords, append([]float32{}, r.MaskCoords...))
		out.MasksRLEs = append(out.MasksRLEs, append([]string{}, r.MaskRLEs...))
		out.MasksRLEsIdx = append(out.MasksRLEsIdx, append([]int{}, r.MaskRLEIdx...))

		if saveImgIDs {
			out.OriginalIDs = append(out.OriginalIDs, r.OriginalID)
		}
	}
	return out
}
