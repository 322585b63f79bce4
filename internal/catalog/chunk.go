package catalog

import (
	"fmt"
	"sort"
	"strings"

	"github.com/eventodb/hyperstore/internal/dberr"
)

func chunkKey(id int32) []byte {
	return []byte(fmt.Sprintf("ch:%010d", id))
}

func chunkRelKey(relID uint32) []byte {
	return []byte(fmt.Sprintf("chr:%010d", relID))
}

func chunkByHypertableKey(htID, chunkID int32) []byte {
	return []byte(fmt.Sprintf("chh:%010d:%010d", htID, chunkID))
}

func chunkByHypertablePrefix(htID int32) []byte {
	return []byte(fmt.Sprintf("chh:%010d:", htID))
}

// NextChunkID reserves a chunk identifier
func (c *Catalog) NextChunkID() (int32, error) {
	seq, err := c.tx.NextSequence(sequenceChunk)
	if err != nil {
		return 0, err
	}
	return int32(seq), nil
}

// CreateChunk stores a new chunk. ch.ID must come from NextChunkID.
func (c *Catalog) CreateChunk(ch *Chunk) error {
	if ch.ID == InvalidChunkID {
		return fmt.Errorf("chunk id must be assigned before CreateChunk")
	}
	return c.asOwner(RelChunk, func() error {
		if err := c.insertJSON(chunkKey(ch.ID), ch); err != nil {
			return err
		}
		if err := c.tx.Set(chunkRelKey(ch.RelID), formatID(int64(ch.ID))); err != nil {
			return err
		}
		return c.tx.Set(chunkByHypertableKey(ch.HypertableID, ch.ID), nil)
	})
}

// Chunk returns the chunk with the given id
func (c *Catalog) Chunk(id int32) (*Chunk, error) {
	var ch Chunk
	err := c.getJSON(chunkKey(id), &ch)
	if isNotFound(err) {
		return nil, dberr.NotFound("chunk with id %d does not exist", id)
	}
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

// ChunkByRelID returns the chunk stored in relation relID
func (c *Catalog) ChunkByRelID(relID uint32) (*Chunk, error) {
	id, err := c.getID(chunkRelKey(relID))
	if isNotFound(err) {
		return nil, dberr.New(dberr.ErrNotFound, dberr.CodeNotInPrerequisite,
			"relation with OID %d is not a chunk", relID)
	}
	if err != nil {
		return nil, err
	}
	return c.Chunk(int32(id))
}

// UpdateChunk overwrites an existing chunk record
func (c *Catalog) UpdateChunk(ch *Chunk) error {
	if _, err := c.Chunk(ch.ID); err != nil {
		return err
	}
	return c.asOwner(RelChunk, func() error {
		return c.setJSON(chunkKey(ch.ID), ch)
	})
}

// SetCompressedChunk points ch at its compressed counterpart, or clears the
// pointer when compressedID is InvalidChunkID
func (c *Catalog) SetCompressedChunk(ch *Chunk, compressedID int32) error {
	ch.CompressedChunkID = compressedID
	return c.UpdateChunk(ch)
}

// DeleteChunk removes a chunk record
func (c *Catalog) DeleteChunk(ch *Chunk) error {
	return c.asOwner(RelChunk, func() error {
		existed, err := c.tx.Delete(chunkKey(ch.ID))
		if err != nil {
			return err
		}
		if !existed {
			return dberr.NotFound("chunk with id %d does not exist", ch.ID)
		}
		if _, err := c.tx.Delete(chunkRelKey(ch.RelID)); err != nil {
			return err
		}
		_, err = c.tx.Delete(chunkByHypertableKey(ch.HypertableID, ch.ID))
		return err
	})
}

// ListChunks returns the chunks of a hypertable ordered by range start
func (c *Catalog) ListChunks(htID int32) ([]*Chunk, error) {
	var ids []int32
	err := c.tx.Scan(chunkByHypertablePrefix(htID), func(key, _ []byte) error {
		parts := strings.Split(string(key), ":")
		id, err := parseID(parts[len(parts)-1])
		if err != nil {
			return dberr.Wrap(dberr.ErrInternal, dberr.CodeDataCorrupted, err, "corrupt chunk index %q", key)
		}
		ids = append(ids, id)
		return nil
	})
	if err != nil {
		return nil, err
	}

	chunks := make([]*Chunk, 0, len(ids))
	for _, id := range ids {
		ch, err := c.Chunk(id)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, ch)
	}
	sort.Slice(chunks, func(i, j int) bool {
		if chunks[i].RangeStart != chunks[j].RangeStart {
			return chunks[i].RangeStart < chunks[j].RangeStart
		}
		return chunks[i].ID < chunks[j].ID
	})
	return chunks, nil
}

// ChunkForValue returns the chunk of htID whose range contains v
func (c *Catalog) ChunkForValue(htID int32, v int64) (*Chunk, error) {
	chunks, err := c.ListChunks(htID)
	if err != nil {
		return nil, err
	}
	for _, ch := range chunks {
		if v >= ch.RangeStart && v < ch.RangeEnd {
			return ch, nil
		}
	}
	return nil, dberr.NotFound("no chunk of hypertable %d covers %d", htID, v)
}
