package codec

import (
	"fmt"
	"sort"

	"github.com/eventodb/hyperstore/internal/catalog"
	"github.com/eventodb/hyperstore/internal/dberr"
	"github.com/eventodb/hyperstore/internal/storage"
)

// Metadata columns of a compressed relation
const (
	MetaCount       = "_ts_meta_count"
	MetaSequenceNum = "_ts_meta_sequence_num"
	MetaMin         = "_ts_meta_min_1"
	MetaMax         = "_ts_meta_max_1"
	MetaChecksum    = "_ts_meta_checksum"
)

// MaxRowsPerBatch is the largest number of rows folded into one compressed row
const MaxRowsPerBatch = 1000

// sequenceGap leaves room between batches of one segment
const sequenceGap = 10

// DefaultAlgorithm returns the algorithm used for a column type when the
// settings do not name one
func DefaultAlgorithm(t storage.ColumnType) catalog.Algorithm {
	switch t {
	case storage.TypeInt8, storage.TypeTimestamptz:
		return catalog.AlgorithmDeltaDelta
	case storage.TypeText:
		return catalog.AlgorithmDictionary
	default:
		return catalog.AlgorithmArray
	}
}

// BuildSettings derives column settings for a table from segmentby and
// orderby column lists. When orderby is empty the first dimension column
// is ordered descending, the default for time-series data.
func BuildSettings(columns []storage.Column, segmentBy []string, orderBy []OrderBy, timeColumn string) ([]catalog.ColumnCompressionInfo, error) {
	if len(orderBy) == 0 && timeColumn != "" {
		orderBy = []OrderBy{{Column: timeColumn, Asc: false, NullsFirst: true}}
	}

	byName := make(map[string]int, len(columns))
	for i, c := range columns {
		byName[c.Name] = i
	}

	settings := make([]catalog.ColumnCompressionInfo, len(columns))
	for i, c := range columns {
		settings[i] = catalog.ColumnCompressionInfo{AttName: c.Name, Algorithm: DefaultAlgorithm(c.Type)}
	}
	for i, name := range segmentBy {
		pos, ok := byName[name]
		if !ok {
			return nil, dberr.New(dberr.ErrNotFound, "42703", "column %q does not exist", name)
		}
		if settings[pos].IsSegmentBy() {
			return nil, dberr.Precondition("duplicate column name %q in segmentby", name)
		}
		settings[pos].SegmentByIndex = int16(i + 1)
		settings[pos].Algorithm = catalog.AlgorithmNone
	}
	for i, ob := range orderBy {
		pos, ok := byName[ob.Column]
		if !ok {
			return nil, dberr.New(dberr.ErrNotFound, "42703", "column %q does not exist", ob.Column)
		}
		if settings[pos].IsSegmentBy() {
			return nil, dberr.Precondition("cannot use column %q for both ordering and segmenting", ob.Column)
		}
		if settings[pos].IsOrderBy() {
			return nil, dberr.Precondition("duplicate column name %q in orderby", ob.Column)
		}
		settings[pos].OrderByIndex = int16(i + 1)
		settings[pos].OrderByAsc = ob.Asc
		settings[pos].OrderByNullsFirst = ob.NullsFirst
	}
	return settings, ValidateSettings(columns, settings)
}

// OrderBy is one entry of an orderby list
type OrderBy struct {
	Column     string `json:"column" yaml:"column"`
	Asc        bool   `json:"asc" yaml:"asc"`
	NullsFirst bool   `json:"nulls_first" yaml:"nulls_first"`
}

// ValidateSettings checks settings against the columns of a table
func ValidateSettings(columns []storage.Column, settings []catalog.ColumnCompressionInfo) error {
	types := make(map[string]storage.ColumnType, len(columns))
	for _, c := range columns {
		types[c.Name] = c.Type
	}
	for _, s := range settings {
		t, ok := types[s.AttName]
		if !ok {
			return dberr.New(dberr.ErrNotFound, "42703", "column %q does not exist", s.AttName)
		}
		if !s.Algorithm.Valid() {
			return dberr.Precondition("unknown compression algorithm %q for column %q", s.Algorithm, s.AttName)
		}
		if s.Algorithm == catalog.AlgorithmDeltaDelta && t != storage.TypeInt8 && t != storage.TypeTimestamptz {
			return dberr.Precondition("compression algorithm %q does not support column %q of type %s",
				s.Algorithm, s.AttName, t)
		}
	}
	return nil
}

// CompressedColumns returns the columns of the compressed form of a table:
// segmentby columns keep their type, every other column becomes
// compressed_data, followed by the metadata columns
func CompressedColumns(columns []storage.Column, settings []catalog.ColumnCompressionInfo) ([]storage.Column, error) {
	if err := ValidateSettings(columns, settings); err != nil {
		return nil, err
	}
	info := settingsByName(settings)

	out := make([]storage.Column, 0, len(columns)+5)
	for _, c := range columns {
		if info[c.Name].IsSegmentBy() {
			out = append(out, storage.Column{Name: c.Name, Type: c.Type})
			continue
		}
		out = append(out, storage.Column{Name: c.Name, Type: storage.TypeCompressedData})
	}
	out = append(out,
		storage.Column{Name: MetaCount, Type: storage.TypeInt8, NotNull: true},
		storage.Column{Name: MetaSequenceNum, Type: storage.TypeInt8, NotNull: true},
	)
	if first := firstOrderBy(settings); first != nil {
		for _, c := range columns {
			if c.Name == first.AttName {
				out = append(out,
					storage.Column{Name: MetaMin, Type: c.Type},
					storage.Column{Name: MetaMax, Type: c.Type},
				)
			}
		}
	}
	out = append(out, storage.Column{Name: MetaChecksum, Type: storage.TypeBytea, NotNull: true})
	return out, nil
}

// SegmentByColumns returns the segmentby column names in segmentby order
func SegmentByColumns(settings []catalog.ColumnCompressionInfo) []string {
	var seg []catalog.ColumnCompressionInfo
	for _, s := range settings {
		if s.IsSegmentBy() {
			seg = append(seg, s)
		}
	}
	sort.Slice(seg, func(i, j int) bool { return seg[i].SegmentByIndex < seg[j].SegmentByIndex })
	names := make([]string, len(seg))
	for i, s := range seg {
		names[i] = s.AttName
	}
	return names
}

func settingsByName(settings []catalog.ColumnCompressionInfo) map[string]catalog.ColumnCompressionInfo {
	m := make(map[string]catalog.ColumnCompressionInfo, len(settings))
	for _, s := range settings {
		m[s.AttName] = s
	}
	return m
}

func firstOrderBy(settings []catalog.ColumnCompressionInfo) *catalog.ColumnCompressionInfo {
	for i := range settings {
		if settings[i].OrderByIndex == 1 {
			return &settings[i]
		}
	}
	return nil
}

func isMetaColumn(name string) bool {
	switch name {
	case MetaCount, MetaSequenceNum, MetaMin, MetaMax, MetaChecksum:
		return true
	}
	return false
}

func columnPositions(rel *storage.Relation) map[string]int {
	m := make(map[string]int, len(rel.Columns))
	for i, c := range rel.Columns {
		m[c.Name] = i
	}
	return m
}

func mustColumn(rel *storage.Relation, positions map[string]int, name string) (int, error) {
	pos, ok := positions[name]
	if !ok {
		return 0, dberr.Internal("column %q missing from %s", name, rel.QualifiedName())
	}
	return pos, nil
}

var errCountMismatch = fmt.Errorf("decoded value count does not match %s", MetaCount)
