package compression

import (
	"context"
	"fmt"

	"github.com/eventodb/hyperstore/internal/catalog"
	"github.com/eventodb/hyperstore/internal/engine"
	"github.com/eventodb/hyperstore/internal/lock"
)

// LockSet names the relations a chunk transition locks
type LockSet struct {
	Hypertable uint32
	Companion  uint32
	Chunk      uint32
}

// LockRequest is one lock acquisition
type LockRequest struct {
	Tag  lock.Tag
	Mode lock.Mode
}

func (r LockRequest) String() string {
	return fmt.Sprintf("%s on %s", r.Mode, r.Tag)
}

// LockOrder returns the locks of a compress or decompress in the order
// they are acquired. Every transition uses this order; changing it can
// deadlock against concurrent transitions.
func LockOrder(set LockSet) []LockRequest {
	return []LockRequest{
		{Tag: lock.RelationTag(set.Hypertable), Mode: lock.AccessShare},
		{Tag: lock.RelationTag(set.Companion), Mode: lock.AccessShare},
		{Tag: lock.RelationTag(set.Chunk), Mode: lock.AccessShare},
		{Tag: lock.RelationTag(catalog.RelHypertableCompression), Mode: lock.AccessShare},
		{Tag: lock.RelationTag(catalog.RelChunk), Mode: lock.RowExclusive},
	}
}

// AcquireLocks takes the locks of set in LockOrder. They are held until
// tx ends.
func AcquireLocks(ctx context.Context, tx engine.Txn, set LockSet) error {
	for _, req := range LockOrder(set) {
		if err := tx.Lock(ctx, req.Tag, req.Mode); err != nil {
			return fmt.Errorf("failed to acquire %s: %w", req, err)
		}
	}
	return nil
}
