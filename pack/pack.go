// Package pack builds and reads revision packs: zstd-compressed bundles of
// revision containers used to move a branch history between graphs.
package pack

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"revgraph/cas"
	"revgraph/graph"
	"revgraph/proto"
	"revgraph/revlog"
)

// Pack format:
// [4 bytes: header length (big-endian)]
// [header JSON: PackHeader]
// [container JSON...]
//
// The header lists each container's unique id, BLAKE3 digest, offset
// (relative to data start) and length.

const (
	HeaderLengthSize = 4
	MaxHeaderSize    = 10 * 1024 * 1024 // 10MB max header
	Version          = 1
)

var (
	// ErrFormat is returned for packs that cannot be parsed.
	ErrFormat = errors.New("malformed pack")
	// ErrDigestMismatch is returned when a container does not match its
	// recorded digest.
	ErrDigestMismatch = errors.New("pack digest mismatch")
	// ErrTooLarge is returned when a pack exceeds the size limit.
	ErrTooLarge = errors.New("pack too large")
)

// Build creates a zstd-compressed pack holding cs, recorded as coming from
// source.
func Build(source graph.Scope, cs []*revlog.Container) ([]byte, error) {
	header := proto.PackHeader{
		Version: Version,
		Graph:   source.Graph,
		Branch:  source.Branch,
		Created: cas.NowMs(),
	}
	var data bytes.Buffer

	for _, c := range cs {
		content, err := json.Marshal(c)
		if err != nil {
			return nil, fmt.Errorf("marshaling container %s: %w", c.UniqueID, err)
		}
		header.Containers = append(header.Containers, proto.PackEntry{
			UniqueID: c.UniqueID,
			Digest:   cas.Blake3Hash(content),
			Offset:   int64(data.Len()),
			Length:   int64(len(content)),
		})
		data.Write(content)
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("marshaling header: %w", err)
	}

	var raw bytes.Buffer
	headerLen := make([]byte, HeaderLengthSize)
	binary.BigEndian.PutUint32(headerLen, uint32(len(headerJSON)))
	raw.Write(headerLen)
	raw.Write(headerJSON)
	raw.Write(data.Bytes())

	var compressed bytes.Buffer
	encoder, err := zstd.NewWriter(&compressed)
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	if _, err := encoder.Write(raw.Bytes()); err != nil {
		encoder.Close()
		return nil, fmt.Errorf("compressing: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("closing encoder: %w", err)
	}
	return compressed.Bytes(), nil
}

// Read decompresses and verifies a pack. maxSize bounds the decompressed
// size; zero means no limit.
func Read(r io.Reader, maxSize int64) (*proto.PackHeader, []*revlog.Container, error) {
	decoder, err := zstd.NewReader(r)
	if err != nil {
		return nil, nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	defer decoder.Close()

	var src io.Reader = decoder
	if maxSize > 0 {
		src = io.LimitReader(decoder, maxSize+1)
	}
	decompressed, err := io.ReadAll(src)
	if err != nil {
		return nil, nil, fmt.Errorf("decompressing: %w", err)
	}
	if maxSize > 0 && int64(len(decompressed)) > maxSize {
		return nil, nil, fmt.Errorf("%w: over %d bytes", ErrTooLarge, maxSize)
	}

	if len(decompressed) < HeaderLengthSize {
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrFormat, len(decompressed))
	}
	headerLen := binary.BigEndian.Uint32(decompressed[:HeaderLengthSize])
	if headerLen > MaxHeaderSize {
		return nil, nil, fmt.Errorf("%w: header too large: %d bytes", ErrFormat, headerLen)
	}
	if int(HeaderLengthSize+headerLen) > len(decompressed) {
		return nil, nil, fmt.Errorf("%w: header length exceeds pack size", ErrFormat)
	}

	var header proto.PackHeader
	if err := json.Unmarshal(decompressed[HeaderLengthSize:HeaderLengthSize+headerLen], &header); err != nil {
		return nil, nil, fmt.Errorf("%w: parsing header: %w", ErrFormat, err)
	}
	if header.Version != Version {
		return nil, nil, fmt.Errorf("%w: unsupported version %d", ErrFormat, header.Version)
	}

	data := decompressed[HeaderLengthSize+headerLen:]
	cs := make([]*revlog.Container, 0, len(header.Containers))
	for _, entry := range header.Containers {
		if entry.Offset < 0 || entry.Length < 0 || entry.Offset+entry.Length > int64(len(data)) {
			return nil, nil, fmt.Errorf("%w: container %s extends beyond data", ErrFormat, entry.UniqueID)
		}
		content := data[entry.Offset : entry.Offset+entry.Length]
		if !bytes.Equal(cas.Blake3Hash(content), entry.Digest) {
			return nil, nil, fmt.Errorf("%w: container %s", ErrDigestMismatch, entry.UniqueID)
		}

		var c revlog.Container
		if err := json.Unmarshal(content, &c); err != nil {
			return nil, nil, fmt.Errorf("%w: container %s: %w", ErrFormat, entry.UniqueID, err)
		}
		if c.Digest != "" {
			d, err := revlog.ItemsDigest(c.Items)
			if err != nil || d != c.Digest {
				return nil, nil, fmt.Errorf("%w: items of container %s", ErrDigestMismatch, entry.UniqueID)
			}
		}
		cs = append(cs, &c)
	}
	return &header, cs, nil
}

// Export packs the committed history of source in replay order.
func Export(ctx context.Context, log *revlog.Log, source graph.Scope) ([]byte, int, error) {
	cs, err := log.Committed(ctx, source.Graph, source.Branch)
	if err != nil {
		return nil, 0, err
	}
	data, err := Build(source, cs)
	if err != nil {
		return nil, 0, err
	}
	return data, len(cs), nil
}

// Import reads a pack and inserts its containers into target, preserving
// commit state and replay order. Containers imported into a scope other
// than the pack's source get unique ids derived from the originals, so the
// same pack can seed several branches of one graph.
func Import(ctx context.Context, log *revlog.Log, target graph.Scope, r io.Reader, maxSize int64) (int, error) {
	if err := target.Validate(); err != nil {
		return 0, err
	}
	header, cs, err := Read(r, maxSize)
	if err != nil {
		return 0, err
	}
	source := graph.Scope{Graph: header.Graph, Branch: header.Branch}

	for i, c := range cs {
		if source != target {
			c.UniqueID = c.UniqueID + "@" + target.String()
		}
		c.GraphID = target.Graph
		c.BranchID = target.Branch
		if err := log.Insert(ctx, c); err != nil {
			return i, fmt.Errorf("importing container %s: %w", c.UniqueID, err)
		}
	}
	return len(cs), nil
}
