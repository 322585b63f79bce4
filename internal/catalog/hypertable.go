package catalog

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/eventodb/hyperstore/internal/dberr"
	"github.com/eventodb/hyperstore/internal/engine"
)

func hypertableKey(id int32) []byte {
	return []byte(fmt.Sprintf("ht:%010d", id))
}

func hypertableNameKey(schema, table string) []byte {
	return []byte("htn:" + schema + "." + table)
}

// CreateHypertable assigns h an identifier and stores it
func (c *Catalog) CreateHypertable(h *Hypertable) error {
	return c.asOwner(RelHypertable, func() error {
		seq, err := c.tx.NextSequence(sequenceHypertable)
		if err != nil {
			return err
		}
		h.ID = int32(seq)

		err = c.tx.Insert(hypertableNameKey(h.SchemaName, h.TableName), formatID(int64(h.ID)))
		if errors.Is(err, engine.ErrKeyExists) {
			return dberr.New(dberr.ErrPreconditionViolation, dberr.CodeDuplicateObject,
				"table %q is already a hypertable", h.QualifiedName())
		}
		if err != nil {
			return err
		}
		return c.setJSON(hypertableKey(h.ID), h)
	})
}

// Hypertable returns the hypertable with the given id
func (c *Catalog) Hypertable(id int32) (*Hypertable, error) {
	var h Hypertable
	err := c.getJSON(hypertableKey(id), &h)
	if isNotFound(err) {
		return nil, dberr.New(dberr.ErrNotFound, dberr.CodeHypertableNotExist,
			"hypertable with id %d does not exist", id)
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// HypertableByName looks a hypertable up by its table name
func (c *Catalog) HypertableByName(schema, table string) (*Hypertable, error) {
	id, err := c.getID(hypertableNameKey(schema, table))
	if isNotFound(err) {
		return nil, dberr.New(dberr.ErrNotFound, dberr.CodeHypertableNotExist,
			"table \"%s.%s\" is not a hypertable", schema, table)
	}
	if err != nil {
		return nil, err
	}
	return c.Hypertable(int32(id))
}

// UpdateHypertable overwrites an existing hypertable record
func (c *Catalog) UpdateHypertable(h *Hypertable) error {
	if _, err := c.Hypertable(h.ID); err != nil {
		return err
	}
	return c.asOwner(RelHypertable, func() error {
		return c.setJSON(hypertableKey(h.ID), h)
	})
}

// DeleteHypertable removes a hypertable record and its compression settings
func (c *Catalog) DeleteHypertable(id int32) error {
	h, err := c.Hypertable(id)
	if err != nil {
		return err
	}
	if err := c.DeleteColumnCompression(id); err != nil {
		return err
	}
	return c.asOwner(RelHypertable, func() error {
		if _, err := c.tx.Delete(hypertableNameKey(h.SchemaName, h.TableName)); err != nil {
			return err
		}
		_, err := c.tx.Delete(hypertableKey(id))
		return err
	})
}

// ListHypertables returns every hypertable ordered by id
func (c *Catalog) ListHypertables() ([]*Hypertable, error) {
	var out []*Hypertable
	err := c.tx.Scan([]byte("ht:"), func(key, value []byte) error {
		var h Hypertable
		if err := json.Unmarshal(value, &h); err != nil {
			return dberr.Wrap(dberr.ErrInternal, dberr.CodeDataCorrupted, err, "corrupt catalog record %q", key)
		}
		out = append(out, &h)
		return nil
	})
	return out, err
}

func columnCompressionKey(htID int32, position int) []byte {
	return []byte(fmt.Sprintf("htc:%010d:%05d", htID, position))
}

func columnCompressionPrefix(htID int32) []byte {
	return []byte(fmt.Sprintf("htc:%010d:", htID))
}

// SetColumnCompression replaces the compression settings of a hypertable.
// Settings are stored in the order given, which must be column order.
func (c *Catalog) SetColumnCompression(htID int32, settings []ColumnCompressionInfo) error {
	if err := c.DeleteColumnCompression(htID); err != nil {
		return err
	}
	return c.asOwner(RelHypertableCompression, func() error {
		for i, s := range settings {
			s.HypertableID = htID
			if err := c.setJSON(columnCompressionKey(htID, i+1), s); err != nil {
				return err
			}
		}
		return nil
	})
}

// ColumnCompression returns the compression settings of a hypertable in
// column order
func (c *Catalog) ColumnCompression(htID int32) ([]ColumnCompressionInfo, error) {
	var out []ColumnCompressionInfo
	err := c.tx.Scan(columnCompressionPrefix(htID), func(key, value []byte) error {
		var s ColumnCompressionInfo
		if err := json.Unmarshal(value, &s); err != nil {
			return dberr.Wrap(dberr.ErrInternal, dberr.CodeDataCorrupted, err, "corrupt catalog record %q", key)
		}
		out = append(out, s)
		return nil
	})
	return out, err
}

// DeleteColumnCompression removes the compression settings of a hypertable
func (c *Catalog) DeleteColumnCompression(htID int32) error {
	var keys [][]byte
	err := c.tx.Scan(columnCompressionPrefix(htID), func(key, _ []byte) error {
		keys = append(keys, key)
		return nil
	})
	if err != nil || len(keys) == 0 {
		return err
	}
	return c.asOwner(RelHypertableCompression, func() error {
		for _, k := range keys {
			if _, err := c.tx.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func parseID(s string) (int32, error) {
	n, err := strconv.ParseInt(s, 10, 32)
	return int32(n), err
}
