package cocoloader

// The labeled file list that serves the prepared rows shard by shard.

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// RowProvider is the file loader capability the metadata preparation depends on. It receives
// the ordered (filename, label) rows and serves them to the pipeline.
type RowProvider interface {
	// SetRows replaces the rows.
	SetRows(rows []ImageLabel)
	// Size returns the number of rows across all shards.
	Size() int
	// Reset rewinds to the start of the shard if wrapToShard is set, otherwise to the first
	// row, and begins a new epoch.
	Reset(wrapToShard bool)
}

// FileList is a RowProvider over the files in a directory. Rows are partitioned into
// numShards contiguous shards, of which shardID is served.
type FileList struct {
	root              string
	shardID           int
	numShards         int
	shuffleAfterEpoch bool
	seed              int64

	rows    []ImageLabel
	current int
	epoch   int
}

// NewFileList returns an empty FileList for the files under root. When shuffleAfterEpoch is
// set, the rows are reshuffled with seed+epoch at every epoch after the first, identically in
// all shards.
func NewFileList(root string, shardID, numShards int, shuffleAfterEpoch bool,
	seed int64) (*FileList, error) {

	if numShards < 1 || shardID < 0 || shardID >= numShards {
		return nil, fmt.Errorf("invalid shard %d of %d", shardID, numShards)
	}
	return &FileList{
		root:              root,
		shardID:           shardID,
		numShards:         numShards,
		shuffleAfterEpoch: shuffleAfterEpoch,
		seed:              seed,
	}, nil
}

// SetRows implements RowProvider. The rows are copied.
func (f *FileList) SetRows(rows []ImageLabel) {
	f.rows = append([]ImageLabel(nil), rows...)
	f.current = 0
}

// Size implements RowProvider.
func (f *FileList) Size() int {
	return len(f.rows)
}

// Rows returns the rows in their current order.
func (f *FileList) Rows() []ImageLabel {
	return f.rows
}

// Epoch returns the number of resets so far.
func (f *FileList) Epoch() int {
	return f.epoch
}

// shardBounds returns the row range [start, end) of the served shard.
func (f *FileList) shardBounds() (start, end int) {
	n := len(f.rows)
	return n * f.shardID / f.numShards, n * (f.shardID + 1) / f.numShards
}

// ShardSize returns the number of rows in the served shard.
func (f *FileList) ShardSize() int {
	start, end := f.shardBounds()
	return end - start
}

// Reset implements RowProvider.
func (f *FileList) Reset(wrapToShard bool) {
	f.current = 0
	if wrapToShard {
		f.current, _ = f.shardBounds()
	}
	f.epoch++
	if f.shuffleAfterEpoch && f.epoch > 1 {
		shuffleRows(f.rows, f.seed+int64(f.epoch))
	}
}

// Next returns the next row of the shard, starting a new epoch at the end of the shard.
func (f *FileList) Next() (ImageLabel, error) {
	if f.ShardSize() == 0 {
		return ImageLabel{}, ErrNoFilesFound
	}
	if _, end := f.shardBounds(); f.current >= end {
		f.Reset(true)
	}
	row := f.rows[f.current]
	f.current++
	return row, nil
}

// Path returns the path of the file for row.
func (f *FileList) Path(row ImageLabel) string {
	return filepath.Join(f.root, row.FileName)
}

// CheckFiles verifies that the files of all rows exist and are regular files. The files are
// checked concurrently; the first failure is returned.
func (f *FileList) CheckFiles(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(2 * runtime.NumCPU())

	for _, row := range f.rows {
		if ctx.Err() != nil {
			break
		}
		path := f.Path(row)
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			info, err := os.Stat(path)
			if err != nil {
				return fmt.Errorf("cannot access %q: %v", path, err)
			}
			if !info.Mode().IsRegular() {
				return fmt.Errorf("not a regular file: %q", path)
			}
			return nil
		})
	}
	return g.Wait()
}
