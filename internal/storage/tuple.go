package storage

import (
	"fmt"
	"math"

	"github.com/eventodb/hyperstore/internal/dberr"
	"github.com/fxamacker/cbor/v2"
)

const codeNotNullViolation = "23502"

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("storage: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("storage: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v with deterministic CBOR
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

type toastPointer struct {
	ValueID uint64 `cbor:"1,keyasint"`
	RawSize int    `cbor:"2,keyasint"`
}

// tuple is the on-disk form of a row. Values moved out of line are nil in
// Values and referenced from Toast by column position.
type tuple struct {
	Values []any                 `cbor:"1,keyasint"`
	Toast  map[int]toastPointer `cbor:"2,keyasint,omitempty"`
}

type indexTuple struct {
	Key []any `cbor:"1,keyasint"`
	TID TID   `cbor:"2,keyasint"`
}

// CheckRow validates row against columns
func CheckRow(columns []Column, row Row) error {
	if len(row) != len(columns) {
		return fmt.Errorf("row has %d values, relation has %d columns", len(row), len(columns))
	}
	for i, col := range columns {
		v, err := Normalize(col.Type, row[i])
		if err != nil {
			return fmt.Errorf("column %q: %w", col.Name, err)
		}
		if v == nil && col.NotNull {
			return dberr.New(dberr.ErrPreconditionViolation, codeNotNullViolation,
				"null value in column %q violates not-null constraint", col.Name)
		}
		row[i] = v
	}
	return nil
}

// Normalize converts a decoded value to the Go type carried by t
func Normalize(t ColumnType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case TypeInt8, TypeTimestamptz:
		switch n := v.(type) {
		case int64:
			return n, nil
		case int:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case uint64:
			if n > math.MaxInt64 {
				return nil, fmt.Errorf("value %d out of range for %s", n, t)
			}
			return int64(n), nil
		case float64:
			if n != math.Trunc(n) {
				return nil, fmt.Errorf("invalid input for %s: %v", t, n)
			}
			return int64(n), nil
		}
	case TypeFloat8:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case int:
			return float64(n), nil
		case uint64:
			return float64(n), nil
		}
	case TypeText:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case TypeBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case TypeBytea, TypeCompressedData:
		switch b := v.(type) {
		case []byte:
			return b, nil
		case string:
			return []byte(b), nil
		}
	default:
		return nil, fmt.Errorf("unknown type %q", t)
	}
	return nil, fmt.Errorf("invalid value %v (%T) for type %s", v, v, t)
}

// valueSize returns the stored size of a toastable value
func valueSize(v any) int {
	switch b := v.(type) {
	case []byte:
		return len(b)
	case string:
		return len(b)
	}
	return 0
}

func valueBytes(v any) []byte {
	switch b := v.(type) {
	case []byte:
		return b
	case string:
		return []byte(b)
	}
	return nil
}
