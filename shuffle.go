package cocoloader

import (
	"log"
	"math/rand"
)

// ShuffleRecords permutes records in place with a Fisher-Yates shuffle driven by seed and
// reassigns the export positions and box offsets. Each record moves as a whole, so all of its
// per-image arrays stay aligned.
//
// The permutation only depends on seed and len(records). Processes that shuffle the same
// dataset with the same seed obtain the same order, which keeps shards that slice the shuffled
// sequence consistent across processes.
func ShuffleRecords(records []ImageRecord, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(records), func(i, j int) {
		records[i], records[j] = records[j], records[i]
	})
	reindex(records)
	log.Printf("Shuffled %d images with seed %d", len(records), seed)
}

// shuffleRows permutes rows with the same algorithm as ShuffleRecords.
func shuffleRows(rows []ImageLabel, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(rows), func(i, j int) {
		rows[i], rows[j] = rows[j], rows[i]
	})
}
