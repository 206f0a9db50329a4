package storage

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/hyperjump/miru/internal/models"
)

// Compression selects the codec for snapshot bodies.
type Compression byte

const (
	CompressionNone Compression = iota
	CompressionZstd
	CompressionLZ4
)

const (
	snapshotMagic   = "MIRUSNAP"
	snapshotVersion = uint16(1)

	tagEnd    = byte(0)
	tagRecord = byte(1)

	maxIDLen   = 1 << 16
	maxMetaLen = 1 << 24
	maxDim     = 1 << 16
)

// ErrBadSnapshot is returned when a snapshot stream is malformed.
var ErrBadSnapshot = errors.New("bad snapshot")

// ParseCompression maps a config value (none, zstd, lz4) to a Compression.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	default:
		return 0, fmt.Errorf("%w: unknown snapshot compression %q", models.ErrInvalidArgument, s)
	}
}

func (c Compression) String() string {
	switch c {
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return "none"
	}
}

// WriteSnapshot streams records to w and returns how many were written.
// Every record must have dim components. An empty store is written with dim 0.
func WriteSnapshot(w io.Writer, dim int, records iter.Seq[*models.VectorRecord], c Compression) (int, error) {
	if dim < 0 || dim > maxDim {
		return 0, fmt.Errorf("%w: snapshot dimension %d", models.ErrInvalidArgument, dim)
	}
	header := make([]byte, 0, len(snapshotMagic)+3)
	header = append(header, snapshotMagic...)
	header = binary.LittleEndian.AppendUint16(header, snapshotVersion)
	header = append(header, byte(c))
	if _, err := w.Write(header); err != nil {
		return 0, fmt.Errorf("write snapshot header: %w", err)
	}

	body, closeBody, err := compressWriter(w, c)
	if err != nil {
		return 0, err
	}
	bw := bufio.NewWriter(body)

	var scratch [4]byte
	putU32 := func(v uint32) error {
		binary.LittleEndian.PutUint32(scratch[:], v)
		_, err := bw.Write(scratch[:])
		return err
	}

	if err := putU32(uint32(dim)); err != nil {
		return 0, err
	}
	n := 0
	for rec := range records {
		if len(rec.Vector) != dim {
			return n, fmt.Errorf("%w: record %s has %d dimensions, snapshot has %d",
				models.ErrDimensionMismatch, rec.ID, len(rec.Vector), dim)
		}
		var meta []byte
		if rec.Metadata != nil {
			if meta, err = json.Marshal(rec.Metadata); err != nil {
				return n, fmt.Errorf("marshal metadata for %s: %w", rec.ID, err)
			}
		}
		if err := bw.WriteByte(tagRecord); err != nil {
			return n, err
		}
		if err := putU32(uint32(len(rec.ID))); err != nil {
			return n, err
		}
		if _, err := bw.WriteString(rec.ID); err != nil {
			return n, err
		}
		if _, err := bw.Write(EncodeVector(rec.Vector)); err != nil {
			return n, err
		}
		if err := putU32(uint32(len(meta))); err != nil {
			return n, err
		}
		if _, err := bw.Write(meta); err != nil {
			return n, err
		}
		n++
	}
	if err := bw.WriteByte(tagEnd); err != nil {
		return n, err
	}
	if err := putU32(uint32(n)); err != nil {
		return n, err
	}
	if err := bw.Flush(); err != nil {
		return n, fmt.Errorf("flush snapshot: %w", err)
	}
	if err := closeBody(); err != nil {
		return n, fmt.Errorf("finish snapshot: %w", err)
	}
	return n, nil
}

// ReadSnapshot decodes a snapshot from r and calls fn for every record in order.
// It returns the snapshot dimension and the number of records read.
func ReadSnapshot(r io.Reader, fn func(*models.VectorRecord) error) (int, int, error) {
	header := make([]byte, len(snapshotMagic)+3)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, 0, fmt.Errorf("%w: read header: %v", ErrBadSnapshot, err)
	}
	if string(header[:len(snapshotMagic)]) != snapshotMagic {
		return 0, 0, fmt.Errorf("%w: bad magic", ErrBadSnapshot)
	}
	if v := binary.LittleEndian.Uint16(header[len(snapshotMagic):]); v != snapshotVersion {
		return 0, 0, fmt.Errorf("%w: unsupported version %d", ErrBadSnapshot, v)
	}
	body, closeBody, err := decompressReader(r, Compression(header[len(header)-1]))
	if err != nil {
		return 0, 0, err
	}
	defer closeBody()
	br := bufio.NewReader(body)

	var scratch [4]byte
	getU32 := func() (uint32, error) {
		if _, err := io.ReadFull(br, scratch[:]); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
		}
		return binary.LittleEndian.Uint32(scratch[:]), nil
	}

	d32, err := getU32()
	if err != nil {
		return 0, 0, err
	}
	if d32 > maxDim {
		return 0, 0, fmt.Errorf("%w: dimension %d", ErrBadSnapshot, d32)
	}
	dim := int(d32)
	n := 0
	for {
		tag, err := br.ReadByte()
		if err != nil {
			return dim, n, fmt.Errorf("%w: truncated after %d records", ErrBadSnapshot, n)
		}
		if tag == tagEnd {
			count, err := getU32()
			if err != nil {
				return dim, n, err
			}
			if int(count) != n {
				return dim, n, fmt.Errorf("%w: trailer says %d records, read %d", ErrBadSnapshot, count, n)
			}
			return dim, n, nil
		}
		if tag != tagRecord {
			return dim, n, fmt.Errorf("%w: unknown tag %d", ErrBadSnapshot, tag)
		}
		if dim == 0 {
			return dim, n, fmt.Errorf("%w: record in a zero-dimension snapshot", ErrBadSnapshot)
		}

		idLen, err := getU32()
		if err != nil {
			return dim, n, err
		}
		if idLen == 0 || idLen > maxIDLen {
			return dim, n, fmt.Errorf("%w: id length %d", ErrBadSnapshot, idLen)
		}
		id := make([]byte, idLen)
		if _, err := io.ReadFull(br, id); err != nil {
			return dim, n, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
		}
		vecBytes := make([]byte, dim*float32Size)
		if _, err := io.ReadFull(br, vecBytes); err != nil {
			return dim, n, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
		}
		vec, _ := DecodeVector(vecBytes)
		metaLen, err := getU32()
		if err != nil {
			return dim, n, err
		}
		if metaLen > maxMetaLen {
			return dim, n, fmt.Errorf("%w: metadata length %d", ErrBadSnapshot, metaLen)
		}
		rec := &models.VectorRecord{ID: string(id), Vector: vec}
		if metaLen > 0 {
			meta := make([]byte, metaLen)
			if _, err := io.ReadFull(br, meta); err != nil {
				return dim, n, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
			}
			if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
				return dim, n, fmt.Errorf("%w: metadata for %s: %v", ErrBadSnapshot, rec.ID, err)
			}
		}
		if err := fn(rec); err != nil {
			return dim, n, err
		}
		n++
	}
}

func compressWriter(w io.Writer, c Compression) (io.Writer, func() error, error) {
	switch c {
	case CompressionNone:
		return w, func() error { return nil }, nil
	case CompressionZstd:
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, nil, fmt.Errorf("create zstd writer: %w", err)
		}
		return enc, enc.Close, nil
	case CompressionLZ4:
		zw := lz4.NewWriter(w)
		return zw, zw.Close, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown compression %d", models.ErrInvalidArgument, c)
	}
}

func decompressReader(r io.Reader, c Compression) (io.Reader, func(), error) {
	switch c {
	case CompressionNone:
		return r, func() {}, nil
	case CompressionZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: zstd: %v", ErrBadSnapshot, err)
		}
		return dec, dec.Close, nil
	case CompressionLZ4:
		return lz4.NewReader(r), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown compression %d", ErrBadSnapshot, c)
	}
}
