package storage

// ForkSize returns the size of one fork of a relation in bytes
func (s *Store) ForkSize(id uint32, fork Fork) (int64, error) {
	rel, err := s.Relation(id)
	if err != nil {
		return 0, err
	}
	if fork == ForkMain {
		return int64(rel.Pages) * PageSize, nil
	}

	prefix := forkPrefix(rel.ID, fork)
	if fork == ForkInit {
		prefix = initKey(rel.ID)
	}
	var size int64
	err = s.tx.Scan(prefix, func(key, value []byte) error {
		size += int64(len(key) + len(value))
		return nil
	})
	return size, err
}

// relationForksSize sums every fork of one relation
func (s *Store) relationForksSize(id uint32) (int64, error) {
	var total int64
	for _, fork := range HeapForks {
		n, err := s.ForkSize(id, fork)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// TableSize returns the size of a table excluding indexes: all of its
// forks plus its toast relation and toast index
func (s *Store) TableSize(id uint32) (int64, error) {
	rel, err := s.Relation(id)
	if err != nil {
		return 0, err
	}
	total, err := s.relationForksSize(rel.ID)
	if err != nil {
		return 0, err
	}
	if rel.ToastRelID != 0 {
		for _, aux := range []uint32{rel.ToastRelID, rel.ToastIndexID} {
			n, err := s.relationForksSize(aux)
			if err != nil {
				return 0, err
			}
			total += n
		}
	}
	return total, nil
}

// IndexesSize returns the total size of all indexes on a table
func (s *Store) IndexesSize(id uint32) (int64, error) {
	rel, err := s.Relation(id)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, idx := range rel.Indexes {
		n, err := s.relationForksSize(idx)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// TotalRelationSize returns TableSize plus IndexesSize
func (s *Store) TotalRelationSize(id uint32) (int64, error) {
	table, err := s.TableSize(id)
	if err != nil {
		return 0, err
	}
	indexes, err := s.IndexesSize(id)
	if err != nil {
		return 0, err
	}
	return table + indexes, nil
}
