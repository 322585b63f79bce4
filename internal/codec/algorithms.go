package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/eventodb/hyperstore/internal/catalog"
	"github.com/eventodb/hyperstore/internal/storage"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("codec: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("codec: zstd decoder initialization failed: " + err.Error())
	}
}

// blob is the self-describing content of a compressed_data value.
// Algorithms see only the non-null values; Nulls marks null positions.
type blob struct {
	Algorithm catalog.Algorithm  `cbor:"1,keyasint"`
	Type      storage.ColumnType `cbor:"2,keyasint"`
	Count     int                `cbor:"3,keyasint"`
	Nulls     []byte             `cbor:"4,keyasint,omitempty"`
	RawLen    int                `cbor:"5,keyasint,omitempty"`
	Stored    bool               `cbor:"6,keyasint,omitempty"`
	Data      []byte             `cbor:"7,keyasint"`
}

type dictionary struct {
	Entries []any    `cbor:"1,keyasint"`
	Index   []uint32 `cbor:"2,keyasint"`
}

// encodeColumn compresses the values of one column of a batch
func encodeColumn(algo catalog.Algorithm, t storage.ColumnType, values []any) ([]byte, error) {
	b := blob{Algorithm: algo, Type: t, Count: len(values)}

	present := make([]any, 0, len(values))
	for i, v := range values {
		if v == nil {
			if b.Nulls == nil {
				b.Nulls = make([]byte, (len(values)+7)/8)
			}
			b.Nulls[i/8] |= 1 << (i % 8)
			continue
		}
		present = append(present, v)
	}

	var err error
	switch algo {
	case catalog.AlgorithmNone:
		b.Data, err = storage.Marshal(present)
	case catalog.AlgorithmArray:
		err = b.encodeArray(present)
	case catalog.AlgorithmDictionary:
		err = b.encodeDictionary(present)
	case catalog.AlgorithmDeltaDelta:
		err = b.encodeDeltaDelta(present)
	default:
		err = fmt.Errorf("unknown compression algorithm %q", algo)
	}
	if err != nil {
		return nil, err
	}
	return storage.Marshal(&b)
}

func (b *blob) encodeArray(values []any) error {
	raw, err := storage.Marshal(values)
	if err != nil {
		return err
	}
	b.RawLen = len(raw)

	dst := make([]byte, lz4.CompressBlockBound(len(raw)))
	written, err := lz4.CompressBlock(raw, dst, nil)
	if err != nil {
		return fmt.Errorf("lz4 compress: %w", err)
	}
	// CompressBlock reports 0 for incompressible input
	if written == 0 || written >= len(raw) {
		b.Stored = true
		b.Data = raw
		return nil
	}
	b.Data = dst[:written]
	return nil
}

// floatBits keys a float by its bit pattern so that -0 and 0 stay distinct
// and NaN matches itself
type floatBits uint64

func dictionaryKey(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case float64:
		return floatBits(math.Float64bits(x))
	}
	return v
}

func (b *blob) encodeDictionary(values []any) error {
	d := dictionary{Index: make([]uint32, len(values))}
	seen := make(map[any]uint32)
	for i, v := range values {
		key := dictionaryKey(v)
		pos, ok := seen[key]
		if !ok {
			pos = uint32(len(d.Entries))
			seen[key] = pos
			d.Entries = append(d.Entries, v)
		}
		d.Index[i] = pos
	}

	raw, err := storage.Marshal(&d)
	if err != nil {
		return err
	}
	b.RawLen = len(raw)
	b.Data = zstdEncoder.EncodeAll(raw, nil)
	return nil
}

func (b *blob) encodeDeltaDelta(values []any) error {
	buf := make([]byte, 0, len(values)*2+binary.MaxVarintLen64)
	buf = binary.AppendUvarint(buf, uint64(len(values)))

	var prev, prevDelta int64
	for _, v := range values {
		n, ok := v.(int64)
		if !ok {
			return fmt.Errorf("deltadelta requires int64 values, got %T", v)
		}
		delta := n - prev
		buf = binary.AppendUvarint(buf, zigzag(delta-prevDelta))
		prev, prevDelta = n, delta
	}
	b.RawLen = len(buf)
	b.Data = s2.Encode(nil, buf)
	return nil
}

// decodeColumn restores the values of one column of a batch
func decodeColumn(data []byte, t storage.ColumnType) ([]any, error) {
	var b blob
	if err := storage.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode compressed value: %w", err)
	}
	if b.Type != t {
		return nil, fmt.Errorf("compressed value has type %s, column has type %s", b.Type, t)
	}

	var present []any
	var err error
	switch b.Algorithm {
	case catalog.AlgorithmNone:
		err = storage.Unmarshal(b.Data, &present)
	case catalog.AlgorithmArray:
		present, err = b.decodeArray()
	case catalog.AlgorithmDictionary:
		present, err = b.decodeDictionary()
	case catalog.AlgorithmDeltaDelta:
		present, err = b.decodeDeltaDelta()
	default:
		err = fmt.Errorf("unknown compression algorithm %q", b.Algorithm)
	}
	if err != nil {
		return nil, err
	}

	out := make([]any, b.Count)
	next := 0
	for i := range out {
		if b.Nulls != nil && b.Nulls[i/8]&(1<<(i%8)) != 0 {
			continue
		}
		if next >= len(present) {
			return nil, errCountMismatch
		}
		if out[i], err = storage.Normalize(t, present[next]); err != nil {
			return nil, err
		}
		next++
	}
	if next != len(present) {
		return nil, errCountMismatch
	}
	return out, nil
}

func (b *blob) decodeArray() ([]any, error) {
	raw := b.Data
	if !b.Stored {
		raw = make([]byte, b.RawLen)
		read, err := lz4.UncompressBlock(b.Data, raw)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != b.RawLen {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, b.RawLen)
		}
	}
	var values []any
	err := storage.Unmarshal(raw, &values)
	return values, err
}

func (b *blob) decodeDictionary() ([]any, error) {
	raw, err := zstdDecoder.DecodeAll(b.Data, make([]byte, 0, b.RawLen))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	var d dictionary
	if err := storage.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	values := make([]any, len(d.Index))
	for i, pos := range d.Index {
		if int(pos) >= len(d.Entries) {
			return nil, fmt.Errorf("dictionary index %d out of range", pos)
		}
		values[i] = d.Entries[pos]
	}
	return values, nil
}

var errTruncatedDeltas = errors.New("deltadelta stream truncated")

func (b *blob) decodeDeltaDelta() ([]any, error) {
	buf, err := s2.Decode(nil, b.Data)
	if err != nil {
		return nil, fmt.Errorf("s2 decompress: %w", err)
	}
	n, size := binary.Uvarint(buf)
	if size <= 0 {
		return nil, errTruncatedDeltas
	}
	buf = buf[size:]
	if n > uint64(len(buf)) {
		return nil, errTruncatedDeltas
	}

	values := make([]any, 0, n)
	var prev, prevDelta int64
	for i := uint64(0); i < n; i++ {
		u, size := binary.Uvarint(buf)
		if size <= 0 {
			return nil, errTruncatedDeltas
		}
		buf = buf[size:]
		delta := prevDelta + unzigzag(u)
		prev += delta
		prevDelta = delta
		values = append(values, prev)
	}
	return values, nil
}

func zigzag(v int64) uint64 {
	return uint64(v<<1) ^ uint64(v>>63)
}

func unzigzag(u uint64) int64 {
	return int64(u>>1) ^ -int64(u&1)
}
