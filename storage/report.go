// Copyright 2026 The Telemetryd Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"

	"github.com/telemetryd/telemetryd/lib/codec"
	"github.com/telemetryd/telemetryd/lib/schema"
)

// Reason records why a report buffer was flushed to disk. Stored in
// the file header and surfaced on the dump path.
type Reason string

const (
	ReasonDeviceShutdown Reason = "device-shutdown"
	ReasonCompanionDied  Reason = "companion-died"
	ReasonTermination    Reason = "termination-signal"
	ReasonManual         Reason = "manual"
)

// compressionTag identifies the payload compression in a report file.
// The values are on-disk format constants.
type compressionTag uint8

const (
	compressionNone compressionTag = 0
	compressionZstd compressionTag = 1
	compressionLZ4  compressionTag = 2
)

var reportMagic = [4]byte{'T', 'D', 'R', '1'}

// reportHeader is the CBOR header inside each report file.
type reportHeader struct {
	Reason           Reason `cbor:"reason"`
	CreatedNanos     int64  `cbor:"created_nanos"`
	UncompressedSize int64  `cbor:"uncompressed_size"`
	Digest           []byte `cbor:"digest"`
}

// StoredReport is one report payload read back from disk.
type StoredReport struct {
	Key          schema.ConfigKey
	Payload      []byte
	Reason       Reason
	CreatedNanos int64
}

// The zstd encoder and decoder are reused across calls; both are safe
// for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("storage: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("storage: zstd decoder initialization failed: " + err.Error())
	}
}

// WriteReport persists one report payload for the given config key.
// Normal mode compresses with zstd; fast mode uses lz4 so shutdown
// paths spend as little time as possible in compression. Empty
// payloads are skipped.
func (s *Store) WriteReport(key schema.ConfigKey, payload []byte, reason Reason, fast bool) error {
	if len(payload) == 0 {
		return nil
	}

	digest := blake3.Sum256(payload)
	tag, compressed := compressPayload(payload, fast)

	header := reportHeader{
		Reason:           reason,
		CreatedNanos:     s.clk.Now().UnixNano(),
		UncompressedSize: int64(len(payload)),
		Digest:           digest[:],
	}
	headerBytes, err := codec.Marshal(header)
	if err != nil {
		return fmt.Errorf("storage: encoding report header: %w", err)
	}

	var file bytes.Buffer
	file.Write(reportMagic[:])
	file.WriteByte(byte(tag))
	var headerLength [4]byte
	binary.BigEndian.PutUint32(headerLength[:], uint32(len(headerBytes)))
	file.Write(headerLength[:])
	file.Write(headerBytes)
	file.Write(compressed)

	name := fmt.Sprintf("%d_%d_%d_%d.report",
		header.CreatedNanos, s.sequence.Add(1), key.Uid, key.Id)
	path := filepath.Join(s.root, reportsDir, name)
	if err := writeFileAtomic(path, file.Bytes()); err != nil {
		return fmt.Errorf("storage: writing report for %s: %w", key, err)
	}

	s.logger.Info("report persisted",
		"key", key.String(),
		"reason", string(reason),
		"bytes", len(payload),
		"compressed_bytes", len(compressed),
		"fast", fast,
	)
	return nil
}

// ReadReports loads every stored report for one config key, oldest
// first. Corrupt files (bad magic, digest mismatch, truncation) are
// skipped with a warning so one damaged file cannot block a data
// fetch.
func (s *Store) ReadReports(key schema.ConfigKey) ([]StoredReport, error) {
	paths, err := s.reportPaths(key)
	if err != nil {
		return nil, err
	}

	var reports []StoredReport
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("storage: reading report file: %w", err)
		}
		payload, header, err := decodeReportFile(data)
		if err != nil {
			s.logger.Warn("skipping corrupt report file", "path", path, "error", err)
			continue
		}
		reports = append(reports, StoredReport{
			Key:          key,
			Payload:      payload,
			Reason:       header.Reason,
			CreatedNanos: header.CreatedNanos,
		})
	}
	return reports, nil
}

// EraseReports deletes every stored report for one config key and
// returns the number of files removed. The get-data path calls this
// after a successful read so report data is consumed exactly once.
func (s *Store) EraseReports(key schema.ConfigKey) (int, error) {
	paths, err := s.reportPaths(key)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, path := range paths {
		if err := os.Remove(path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return removed, fmt.Errorf("storage: erasing report file: %w", err)
		}
		removed++
	}
	return removed, nil
}

// SweepExpired removes report files older than the store's TTL and
// returns the number removed. A store opened without a TTL never
// expires anything.
func (s *Store) SweepExpired() (int, error) {
	if s.ttl <= 0 {
		return 0, nil
	}

	dir := filepath.Join(s.root, reportsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("storage: reading reports directory: %w", err)
	}

	cutoff := s.clk.Now().Add(-s.ttl).UnixNano()
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		created, ok := reportFileCreated(entry.Name())
		if !ok {
			continue
		}
		if created >= cutoff {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("storage: removing expired report: %w", err)
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("expired reports swept", "removed", removed)
	}
	return removed, nil
}

// reportPaths returns the report files for one key in write order.
// File names start with the creation timestamp, so lexicographic sort
// is chronological.
func (s *Store) reportPaths(key schema.ConfigKey) ([]string, error) {
	pattern := filepath.Join(s.root, reportsDir, fmt.Sprintf("*_*_%d_%d.report", key.Uid, key.Id))
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("storage: listing reports for %s: %w", key, err)
	}
	slices.Sort(paths)
	return paths, nil
}

// reportFileCreated extracts the creation timestamp from a report file
// name ("<nanos>_<seq>_<uid>_<id>.report").
func reportFileCreated(name string) (int64, bool) {
	if !strings.HasSuffix(name, ".report") {
		return 0, false
	}
	first, _, found := strings.Cut(name, "_")
	if !found {
		return 0, false
	}
	created, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0, false
	}
	return created, true
}

// compressPayload compresses payload for the requested mode, falling
// back to the none tag when compression does not shrink the data.
func compressPayload(payload []byte, fast bool) (compressionTag, []byte) {
	if fast {
		bound := lz4.CompressBlockBound(len(payload))
		destination := make([]byte, bound)
		written, err := lz4.CompressBlock(payload, destination, nil)
		if err != nil || written == 0 || written >= len(payload) {
			return compressionNone, payload
		}
		return compressionLZ4, destination[:written]
	}

	compressed := zstdEncoder.EncodeAll(payload, nil)
	if len(compressed) >= len(payload) {
		return compressionNone, payload
	}
	return compressionZstd, compressed
}

// decodeReportFile parses and verifies one report file, returning the
// uncompressed payload and the header.
func decodeReportFile(data []byte) ([]byte, reportHeader, error) {
	var header reportHeader

	if len(data) < len(reportMagic)+1+4 {
		return nil, header, fmt.Errorf("truncated report file (%d bytes)", len(data))
	}
	if !bytes.Equal(data[:4], reportMagic[:]) {
		return nil, header, fmt.Errorf("bad magic %q", data[:4])
	}
	tag := compressionTag(data[4])
	headerLength := binary.BigEndian.Uint32(data[5:9])
	rest := data[9:]
	if uint32(len(rest)) < headerLength {
		return nil, header, fmt.Errorf("truncated report header")
	}
	if err := codec.Unmarshal(rest[:headerLength], &header); err != nil {
		return nil, header, fmt.Errorf("decoding report header: %w", err)
	}
	compressed := rest[headerLength:]

	payload, err := decompressPayload(tag, compressed, int(header.UncompressedSize))
	if err != nil {
		return nil, header, err
	}

	digest := blake3.Sum256(payload)
	if !bytes.Equal(digest[:], header.Digest) {
		return nil, header, fmt.Errorf("payload digest mismatch")
	}
	return payload, header, nil
}

func decompressPayload(tag compressionTag, compressed []byte, uncompressedSize int) ([]byte, error) {
	switch tag {
	case compressionNone:
		if len(compressed) != uncompressedSize {
			return nil, fmt.Errorf("uncompressed payload is %d bytes, header says %d", len(compressed), uncompressedSize)
		}
		return compressed, nil

	case compressionZstd:
		payload, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, uncompressedSize))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(payload) != uncompressedSize {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(payload), uncompressedSize)
		}
		return payload, nil

	case compressionLZ4:
		payload := make([]byte, uncompressedSize)
		read, err := lz4.UncompressBlock(compressed, payload)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != uncompressedSize {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, uncompressedSize)
		}
		return payload, nil

	default:
		return nil, fmt.Errorf("unknown compression tag %d", tag)
	}
}
