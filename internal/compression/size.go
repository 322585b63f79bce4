package compression

import (
	"github.com/eventodb/hyperstore/internal/catalog"
	"github.com/eventodb/hyperstore/internal/dberr"
	"github.com/eventodb/hyperstore/internal/storage"
)

// MeasureRelation returns the heap, toast and index size of a relation.
//
// Heap is the sum of the main, init, free-space-map and visibility-map
// forks. Toast is derived as the table size (heap plus toast relation and
// toast index) minus heap, so it is an approximation rather than a direct
// measurement; a negative result is reported as an internal error.
func MeasureRelation(st *storage.Store, relID uint32) (catalog.RelationSize, error) {
	var size catalog.RelationSize
	for _, fork := range storage.HeapForks {
		n, err := st.ForkSize(relID, fork)
		if err != nil {
			return size, err
		}
		size.Heap += n
	}

	total, err := st.TableSize(relID)
	if err != nil {
		return size, err
	}
	size.Toast = total - size.Heap
	if size.Toast < 0 {
		return size, dberr.Internal("negative toast size %d for relation %d (table %d, heap %d)",
			size.Toast, relID, total, size.Heap)
	}

	if size.Index, err = st.IndexesSize(relID); err != nil {
		return size, err
	}
	return size, nil
}
