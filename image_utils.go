package cocoloader

import (
	"fmt"
	"image"
	"image/color"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
)

// decodeImageConfig opens the file at path and returns the results of image.DecodeConfig.
func decodeImageConfig(path string) (config image.Config, format string, err error) {
	file, err := os.Open(path)
	if err != nil {
		return image.Config{}, "", err
	}
	defer file.Close()

	return image.DecodeConfig(file)
}

// fillImageSizes reads the image headers under root for all images of doc that lack a height
// or width. Images that cannot be read keep their size.
func fillImageSizes(doc *Document, root string) {
	if root == "" {
		return
	}

	filled := 0
	for i := range doc.Images {
		img := &doc.Images[i]
		if img.Height > 0 && img.Width > 0 {
			continue
		}
		config, _, err := decodeImageConfig(filepath.Join(root, img.FileName))
		if err != nil {
			log.Printf("Cannot read the size of %q: %v", img.FileName, err)
			continue
		}
		img.Height, img.Width = config.Height, config.Width
		filled++
	}
	if filled > 0 {
		log.Printf("Read the size of %d images from their headers", filled)
	}
}

// maskColor is the overlay color for previews.
var maskColor = color.NRGBA{R: 255, A: 255}

// SaveMaskPreview renders the masks of rec on top of its image and saves the result as PNG in
// outDir. The image is loaded from root; a black background is used if it cannot be read.
//
// Polygon masks are rasterized with raster. If the coordinates are relative (ratio), they are
// scaled back to pixels first.
func SaveMaskPreview(outDir, root string, rec ImageRecord, raster Rasterizer, ratio bool) error {
	if rec.Height <= 0 || rec.Width <= 0 {
		return fmt.Errorf("unknown size of %q", rec.FileName)
	}
	if raster == nil {
		raster = PolygonRasterizer{}
	}

	// Collect the masks as RLEs.
	var rles []RLE
	for _, s := range rec.MaskRLEs {
		r, err := ParseRLEString(s, rec.Height, rec.Width)
		if err != nil {
			return fmt.Errorf("invalid mask of %q: %v", rec.FileName, err)
		}
		rles = append(rles, r)
	}
	for _, m := range rec.MaskMeta {
		xy := make([]float64, m.Size)
		for i, c := range rec.MaskCoords[m.Offset : m.Offset+m.Size] {
			xy[i] = float64(c)
			if ratio && i&1 == 0 {
				xy[i] *= float64(rec.Width)
			} else if ratio {
				xy[i] *= float64(rec.Height)
			}
		}
		r, err := raster.Rasterize(xy, rec.Height, rec.Width)
		if err != nil {
			log.Printf("Skipping a polygon of %q: %v", rec.FileName, err)
			continue
		}
		rles = append(rles, r)
	}
	union, err := MergeRLEs(rles)
	if err != nil {
		return err
	}

	overlay := image.NewNRGBA(image.Rect(0, 0, rec.Width, rec.Height))
	if len(rles) > 0 {
		for i, v := range union.Mask() {
			if v != 0 {
				overlay.SetNRGBA(i/rec.Height, i%rec.Height, maskColor)
			}
		}
	}

	var background image.Image = imaging.New(rec.Width, rec.Height, color.Black)
	if root != "" {
		if src, err := imaging.Open(filepath.Join(root, rec.FileName)); err == nil {
			background = imaging.Resize(src, rec.Width, rec.Height, imaging.Linear)
		} else {
			log.Printf("Cannot load %q for the preview: %v", rec.FileName, err)
		}
	}
	preview := imaging.Overlay(background, overlay, image.Pt(0, 0), 0.5)

	base := filepath.Base(rec.FileName)
	name := strings.TrimSuffix(base, filepath.Ext(base)) + "_mask.png"
	return imaging.Save(preview, filepath.Join(outDir, name))
}
