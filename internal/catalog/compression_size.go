package catalog

import (
	"errors"
	"fmt"

	"github.com/eventodb/hyperstore/internal/dberr"
	"github.com/eventodb/hyperstore/internal/engine"
)

const compressionChunkSizePkey = "compression_chunk_size_pkey"

func compressionChunkSizeKey(chunkID int32) []byte {
	return []byte(fmt.Sprintf("ccs:%010d", chunkID))
}

// InsertCompressionChunkSize stores the size record of a newly compressed
// chunk. The write runs as the catalog owner. A second record for the same
// chunk fails with dberr.ErrDuplicateKey; a concurrent insert of the same
// key waits for the other transaction first.
func (c *Catalog) InsertCompressionChunkSize(rec *CompressionChunkSize) error {
	return c.asOwner(RelCompressionChunkSize, func() error {
		err := c.insertJSON(compressionChunkSizeKey(rec.ChunkID), rec)
		if errors.Is(err, engine.ErrKeyExists) {
			return dberr.Wrap(dberr.ErrDuplicateKey, dberr.CodeUniqueViolation, err,
				"duplicate key value violates unique constraint %q", compressionChunkSizePkey).
				WithHint(fmt.Sprintf("Key (chunk_id)=(%d) already exists.", rec.ChunkID))
		}
		return err
	})
}

// DeleteCompressionChunkSize removes the size record of a chunk and returns
// the number of records removed (0 or 1)
func (c *Catalog) DeleteCompressionChunkSize(chunkID int32) (int, error) {
	count := 0
	err := c.asOwner(RelCompressionChunkSize, func() error {
		existed, err := c.tx.Delete(compressionChunkSizeKey(chunkID))
		if existed {
			count = 1
		}
		return err
	})
	return count, err
}

// FindCompressionChunkSize returns the size record of a chunk
func (c *Catalog) FindCompressionChunkSize(chunkID int32) (*CompressionChunkSize, error) {
	var rec CompressionChunkSize
	err := c.getJSON(compressionChunkSizeKey(chunkID), &rec)
	if isNotFound(err) {
		return nil, dberr.NotFound("no compression size record for chunk %d", chunkID)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListCompressionChunkSizes returns every size record ordered by chunk id
func (c *Catalog) ListCompressionChunkSizes() ([]*CompressionChunkSize, error) {
	var out []*CompressionChunkSize
	err := c.tx.Scan([]byte("ccs:"), func(key, value []byte) error {
		var rec CompressionChunkSize
		if err := json.Unmarshal(value, &rec); err != nil {
			return dberr.Wrap(dberr.ErrInternal, dberr.CodeDataCorrupted, err, "corrupt catalog record %q", key)
		}
		out = append(out, &rec)
		return nil
	})
	return out, err
}
