// Package storage implements the storage port: a compressed-envelope,
// dual-backend (fast cache + durable doc store) persistence layer with
// per-key in-flight coalescing.
package storage

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"time"

	"github.com/quotewire/marketdata-gateway/internal/domain"
)

// compressionThreshold is the minimum serialized size, in bytes, above
// which a value is gzip-compressed before storage.
const compressionThreshold = 1024

func encodeEnvelope(value interface{}) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}

	env := domain.CacheEnvelope[[]byte]{
		Data:         raw,
		StoredAt:     time.Now().UnixMilli(),
		OriginalSize: len(raw),
	}

	if len(raw) > compressionThreshold {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(raw); err != nil {
			return nil, err
		}
		if err := gz.Close(); err != nil {
			return nil, err
		}
		env.Data = buf.Bytes()
		env.Compressed = true
		env.CompressedSize = buf.Len()
	}

	return json.Marshal(env)
}

func decodeEnvelope(encoded []byte, dest interface{}) error {
	raw, err := unwrapBytes(encoded)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}

// wrapBytes envelopes raw, already-serialized bytes exactly as written by
// a caller (a rule DTO, a symbol mapping document, a quote payload) —
// unlike encodeEnvelope it does not re-marshal raw through encoding/json,
// since that would double-encode a value the caller has already
// serialized. This is what Port.Set and Port.Get use for every value that
// crosses the storage boundary, satisfying the invariant that every
// cached artifact is wrapped in a CacheEnvelope with storedAt and optional
// compression.
func wrapBytes(raw []byte) ([]byte, error) {
	env := domain.CacheEnvelope[[]byte]{
		Data:         raw,
		StoredAt:     time.Now().UnixMilli(),
		OriginalSize: len(raw),
	}

	if len(raw) > compressionThreshold {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(raw); err != nil {
			return nil, err
		}
		if err := gz.Close(); err != nil {
			return nil, err
		}
		env.Data = buf.Bytes()
		env.Compressed = true
		env.CompressedSize = buf.Len()
	}

	return json.Marshal(env)
}

// unwrapBytes reverses wrapBytes, returning the caller's original bytes.
func unwrapBytes(encoded []byte) ([]byte, error) {
	var env domain.CacheEnvelope[[]byte]
	if err := json.Unmarshal(encoded, &env); err != nil {
		return nil, err
	}

	raw := env.Data
	if env.Compressed {
		gz, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		decompressed, err := io.ReadAll(gz)
		if err != nil {
			return nil, err
		}
		raw = decompressed
	}

	return raw, nil
}
