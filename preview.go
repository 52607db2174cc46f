package cocoloader

import (
	"log"
	"runtime"
	"sync"
)

// SaveMaskPreviews saves a mask preview, see SaveMaskPreview, for every record with masks.
// Previews are rendered concurrently; the first error is returned after all records have been
// processed.
func SaveMaskPreviews(outDir, root string, records []ImageRecord, raster Rasterizer,
	ratio bool) error {

	// Limit the number of goroutines in flight, as they load potentially large images.
	numTasks := 2 * runtime.NumCPU()
	if len(records) < numTasks {
		numTasks = len(records)
	}
	workQueue := make(chan *ImageRecord, 2*numTasks)
	errors := make(chan error, 1)
	trySendError := func(err error) {
		select {
		case errors <- err:
		default:
		}
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	saved := 0

	wg.Add(numTasks)
	for i := 0; i < numTasks; i++ {
		go func() {
			defer wg.Done()
			for rec := range workQueue {
				if err := SaveMaskPreview(outDir, root, *rec, raster, ratio); err != nil {
					log.Printf("Failed to save the preview for %q: %v", rec.FileName, err)
					trySendError(err)
					continue
				}
				mu.Lock()
				saved++
				mu.Unlock()
			}
		}()
	}

	// Feed the work queue.
	for i := range records {
		if len(records[i].MaskMeta) == 0 && len(records[i].MaskRLEs) == 0 {
			continue
		}
		workQueue <- &records[i]
	}
	close(workQueue)
	wg.Wait()

	log.Printf("Saved %d mask previews to %s", saved, outDir)
	close(errors)
	if len(errors) > 0 {
		return <-errors
	}
	return nil
}
