package api

import (
	"context"
	"fmt"
	"math"

	"github.com/eventodb/hyperstore/internal/auth"
	"github.com/eventodb/hyperstore/internal/catalog"
	"github.com/eventodb/hyperstore/internal/hypertable"
	"github.com/eventodb/hyperstore/internal/storage"
)

// invalid builds an INVALID_REQUEST error
func invalid(format string, args ...interface{}) *RPCError {
	return &RPCError{Code: CodeInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

// intArg reads a whole number argument
func intArg(args []interface{}, i int, method, name string) (int64, *RPCError) {
	if len(args) <= i {
		return 0, invalid("%s requires argument %d: %s", method, i+1, name)
	}
	switch v := args[i].(type) {
	case float64:
		if v != math.Trunc(v) {
			return 0, invalid("%s must be an integer", name)
		}
		return int64(v), nil
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	}
	return 0, invalid("%s must be a number", name)
}

// idArg reads a 32-bit identifier argument
func idArg(args []interface{}, i int, method, name string) (int32, *RPCError) {
	n, rpcErr := intArg(args, i, method, name)
	if rpcErr != nil {
		return 0, rpcErr
	}
	if n <= 0 || n > math.MaxInt32 {
		return 0, invalid("%s must be a positive 32-bit integer", name)
	}
	return int32(n), nil
}

// optionsArg reads an optional options object
func optionsArg(args []interface{}, i int) (map[string]interface{}, *RPCError) {
	if len(args) <= i || args[i] == nil {
		return map[string]interface{}{}, nil
	}
	opts, ok := args[i].(map[string]interface{})
	if !ok {
		return nil, invalid("options must be an object")
	}
	return opts, nil
}

// boolOption reads a boolean option, false when absent
func boolOption(opts map[string]interface{}, key string) (bool, *RPCError) {
	v, exists := opts[key]
	if !exists {
		return false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, invalid("options.%s must be a boolean", key)
	}
	return b, nil
}

// decodeArg converts a decoded JSON value into dst
func decodeArg(v interface{}, dst interface{}, name string) *RPCError {
	data, err := json.Marshal(v)
	if err != nil {
		return invalid("%s: %v", name, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return invalid("%s is malformed: %v", name, err)
	}
	return nil
}

// handleSysVersion returns the server version
func (h *RPCHandler) handleSysVersion(ctx context.Context, args []interface{}) (interface{}, *RPCError) {
	return h.version, nil
}

// handleSysHealth returns server health status
func (h *RPCHandler) handleSysHealth(ctx context.Context, args []interface{}) (interface{}, *RPCError) {
	return map[string]interface{}{
		"status":  "ok",
		"backend": h.svc.Engine().Name(),
	}, nil
}

// handleChunkCompress compresses one chunk
// Request: ["chunk.compress", chunkID, {"if_not_compressed": true}]
// Response: the size record, or null when the chunk was already compressed
func (h *RPCHandler) handleChunkCompress(ctx context.Context, args []interface{}) (interface{}, *RPCError) {
	chunkID, rpcErr := idArg(args, 0, "chunk.compress", "chunkID")
	if rpcErr != nil {
		return nil, rpcErr
	}
	opts, rpcErr := optionsArg(args, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	ifNotCompressed, rpcErr := boolOption(opts, "if_not_compressed")
	if rpcErr != nil {
		return nil, rpcErr
	}

	rec, err := h.svc.CompressChunk(ctx, chunkID, ifNotCompressed)
	if err != nil {
		return nil, fromError(err)
	}
	return rec, nil
}

// handleChunkDecompress decompresses one chunk
// Request: ["chunk.decompress", chunkID, {"if_compressed": true}]
// Response: {"chunk_id": 7}
func (h *RPCHandler) handleChunkDecompress(ctx context.Context, args []interface{}) (interface{}, *RPCError) {
	chunkID, rpcErr := idArg(args, 0, "chunk.decompress", "chunkID")
	if rpcErr != nil {
		return nil, rpcErr
	}
	opts, rpcErr := optionsArg(args, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	ifCompressed, rpcErr := boolOption(opts, "if_compressed")
	if rpcErr != nil {
		return nil, rpcErr
	}

	if err := h.svc.DecompressChunk(ctx, chunkID, ifCompressed); err != nil {
		return nil, fromError(err)
	}
	return map[string]interface{}{"chunk_id": chunkID}, nil
}

// handleChunkStats lists the chunks of a hypertable with their sizes
// Request: ["chunk.stats", hypertableID]
func (h *RPCHandler) handleChunkStats(ctx context.Context, args []interface{}) (interface{}, *RPCError) {
	htID, rpcErr := idArg(args, 0, "chunk.stats", "hypertableID")
	if rpcErr != nil {
		return nil, rpcErr
	}
	chunks, err := h.svc.ChunkCompressionStats(ctx, htID)
	if err != nil {
		return nil, fromError(err)
	}
	return chunks, nil
}

// handleHypertableStats aggregates the chunk statistics of a hypertable
// Request: ["hypertable.stats", hypertableID]
func (h *RPCHandler) handleHypertableStats(ctx context.Context, args []interface{}) (interface{}, *RPCError) {
	htID, rpcErr := idArg(args, 0, "hypertable.stats", "hypertableID")
	if rpcErr != nil {
		return nil, rpcErr
	}
	stats, err := h.svc.HypertableCompressionStats(ctx, htID)
	if err != nil {
		return nil, fromError(err)
	}
	return map[string]interface{}{
		"stats": stats,
		"ratio": stats.Ratio(),
	}, nil
}

// handleHypertableCompressOlderThan compresses chunks ending at or before
// a cutoff
// Request: ["hypertable.compress_older_than", hypertableID, cutoff]
// Response: {"chunks": ["_timescaledb_internal._hyper_1_1_chunk"]}
func (h *RPCHandler) handleHypertableCompressOlderThan(ctx context.Context, args []interface{}) (interface{}, *RPCError) {
	htID, rpcErr := idArg(args, 0, "hypertable.compress_older_than", "hypertableID")
	if rpcErr != nil {
		return nil, rpcErr
	}
	cutoff, rpcErr := intArg(args, 1, "hypertable.compress_older_than", "cutoff")
	if rpcErr != nil {
		return nil, rpcErr
	}
	names, err := h.svc.CompressChunksOlderThan(ctx, htID, cutoff)
	if err != nil {
		return nil, fromError(err)
	}
	if names == nil {
		names = []string{}
	}
	return map[string]interface{}{"chunks": names}, nil
}

// handleHypertableDropChunksOlderThan drops chunks ending at or before a
// cutoff
// Request: ["hypertable.drop_chunks_older_than", hypertableID, cutoff]
func (h *RPCHandler) handleHypertableDropChunksOlderThan(ctx context.Context, args []interface{}) (interface{}, *RPCError) {
	htID, rpcErr := idArg(args, 0, "hypertable.drop_chunks_older_than", "hypertableID")
	if rpcErr != nil {
		return nil, rpcErr
	}
	cutoff, rpcErr := intArg(args, 1, "hypertable.drop_chunks_older_than", "cutoff")
	if rpcErr != nil {
		return nil, rpcErr
	}
	names, err := h.svc.DropChunksOlderThan(ctx, htID, cutoff)
	if err != nil {
		return nil, fromError(err)
	}
	if names == nil {
		names = []string{}
	}
	return map[string]interface{}{"chunks": names}, nil
}

// handleHypertableCreate creates a hypertable owned by the caller
// Request: ["hypertable.create", {"table": "metrics", "columns": [...], "time_column": "time"}]
func (h *RPCHandler) handleHypertableCreate(ctx context.Context, args []interface{}) (interface{}, *RPCError) {
	if len(args) < 1 {
		return nil, invalid("hypertable.create requires 1 argument: options")
	}
	var opts hypertable.CreateOptions
	if rpcErr := decodeArg(args[0], &opts, "options"); rpcErr != nil {
		return nil, rpcErr
	}

	var out *catalog.Hypertable
	err := h.svc.Do(ctx, func(ctx context.Context, cat *catalog.Catalog) error {
		var err error
		out, err = h.hypertable.Create(ctx, cat, opts)
		return err
	})
	if err != nil {
		return nil, fromError(err)
	}
	return out, nil
}

// handleHypertableEnableCompression enables compression on a hypertable
// Request: ["hypertable.enable_compression", hypertableID, {"segmentby": ["device"], "orderby": [...]}]
func (h *RPCHandler) handleHypertableEnableCompression(ctx context.Context, args []interface{}) (interface{}, *RPCError) {
	htID, rpcErr := idArg(args, 0, "hypertable.enable_compression", "hypertableID")
	if rpcErr != nil {
		return nil, rpcErr
	}
	var opts hypertable.CompressionOptions
	if len(args) > 1 && args[1] != nil {
		if rpcErr := decodeArg(args[1], &opts, "options"); rpcErr != nil {
			return nil, rpcErr
		}
	}

	var out *catalog.Hypertable
	err := h.svc.Do(ctx, func(ctx context.Context, cat *catalog.Catalog) error {
		var err error
		out, err = h.hypertable.EnableCompression(ctx, cat, htID, opts)
		return err
	})
	if err != nil {
		return nil, fromError(err)
	}
	return out, nil
}

// handleHypertableDisableCompression removes the compression settings of
// a hypertable without compressed chunks
// Request: ["hypertable.disable_compression", hypertableID]
func (h *RPCHandler) handleHypertableDisableCompression(ctx context.Context, args []interface{}) (interface{}, *RPCError) {
	htID, rpcErr := idArg(args, 0, "hypertable.disable_compression", "hypertableID")
	if rpcErr != nil {
		return nil, rpcErr
	}
	err := h.svc.Do(ctx, func(ctx context.Context, cat *catalog.Catalog) error {
		return h.hypertable.DisableCompression(ctx, cat, htID)
	})
	if err != nil {
		return nil, fromError(err)
	}
	return map[string]interface{}{"hypertable_id": htID}, nil
}

// handleHypertableInsert inserts rows, given as arrays in column order
// Request: ["hypertable.insert", hypertableID, [[0, "dev-1", 1.5], ...]]
// Response: {"inserted": 1}
func (h *RPCHandler) handleHypertableInsert(ctx context.Context, args []interface{}) (interface{}, *RPCError) {
	htID, rpcErr := idArg(args, 0, "hypertable.insert", "hypertableID")
	if rpcErr != nil {
		return nil, rpcErr
	}
	if len(args) < 2 {
		return nil, invalid("hypertable.insert requires 2 arguments: hypertableID and rows")
	}
	list, ok := args[1].([]interface{})
	if !ok {
		return nil, invalid("rows must be an array")
	}
	rows := make([]storage.Row, 0, len(list))
	for i, r := range list {
		values, ok := r.([]interface{})
		if !ok {
			return nil, invalid("rows[%d] must be an array", i)
		}
		rows = append(rows, storage.Row(values))
	}

	var n int
	err := h.svc.Do(ctx, func(ctx context.Context, cat *catalog.Catalog) error {
		var err error
		n, err = h.hypertable.Insert(ctx, cat, htID, rows)
		return err
	})
	if err != nil {
		return nil, fromError(err)
	}
	return map[string]interface{}{"inserted": n}, nil
}

// handleRoleCreate creates a role and returns its token. Superuser only.
// Request: ["role.create", "alice", {"superuser": false}]
// Response: {"role": "alice", "token": "role_..."}
func (h *RPCHandler) handleRoleCreate(ctx context.Context, args []interface{}) (interface{}, *RPCError) {
	if len(args) < 1 {
		return nil, invalid("role.create requires 1 argument: name")
	}
	name, ok := args[0].(string)
	if !ok || name == "" {
		return nil, invalid("name must be a non-empty string")
	}
	opts, rpcErr := optionsArg(args, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	superuser, rpcErr := boolOption(opts, "superuser")
	if rpcErr != nil {
		return nil, rpcErr
	}

	var token string
	err := h.svc.Do(ctx, func(ctx context.Context, cat *catalog.Catalog) error {
		var err error
		token, err = cat.CreateRole(auth.Role(name), superuser)
		return err
	})
	if err != nil {
		return nil, fromError(err)
	}
	return map[string]interface{}{"role": name, "token": token}, nil
}
