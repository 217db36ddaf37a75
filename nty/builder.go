package nty

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// DefaultSegmentSize is the largest number of decoded bytes a Builder puts
// into one segment unless told otherwise.
const DefaultSegmentSize = 1 << 20

// Builder assembles a container in memory and writes it out in one pass.
type Builder struct {
	BuildID     uint32
	SegmentSize int
	Compression CompressionTag

	assets []builderAsset
	names  map[string]struct{}
}

type builderAsset struct {
	name        string
	title       string
	shareable   bool
	compression CompressionTag
	data        []byte
}

// AssetOption adjusts how Add stores one asset.
type AssetOption func(*builderAsset)

// WithTitle attaches a human title, searchable through LookupTitle.
func WithTitle(title string) AssetOption {
	return func(a *builderAsset) { a.title = title }
}

// WithShareable marks the asset as safe to publish to the global tier.
func WithShareable() AssetOption {
	return func(a *builderAsset) { a.shareable = true }
}

// WithCompression overrides the builder's default compression.
func WithCompression(tag CompressionTag) AssetOption {
	return func(a *builderAsset) { a.compression = tag }
}

// Add queues an asset. The data slice is retained until the container is
// written.
func (b *Builder) Add(name string, data []byte, opts ...AssetOption) error {
	if name == "" {
		return fmt.Errorf("asset name is empty")
	}
	if b.names == nil {
		b.names = make(map[string]struct{})
	}
	if _, dup := b.names[name]; dup {
		return fmt.Errorf("asset %q added twice", name)
	}
	asset := builderAsset{name: name, data: data, compression: b.Compression}
	for _, opt := range opts {
		opt(&asset)
	}
	b.names[name] = struct{}{}
	b.assets = append(b.assets, asset)
	return nil
}

// Len is the number of queued assets.
func (b *Builder) Len() int {
	return len(b.assets)
}

// WriteFile writes the container to path, replacing any existing file.
func (b *Builder) WriteFile(path string) (err error) {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := file.Close(); err == nil {
			err = cerr
		}
	}()

	out := bufio.NewWriter(file)
	if _, err := b.WriteTo(out); err != nil {
		return err
	}
	return out.Flush()
}

// WriteTo writes the container to w.
func (b *Builder) WriteTo(w io.Writer) (int64, error) {
	segmentSize := b.SegmentSize
	if segmentSize <= 0 {
		segmentSize = DefaultSegmentSize
	}
	segmentSize = min(segmentSize, MaxSegmentSize)

	var (
		payloads [][]byte
		records  []SegmentRecord
		manifest = Manifest{BuildID: b.BuildID}
		offset   = uint64(headerSize)
	)

	for _, asset := range b.assets {
		entry := Entry{
			Name:      asset.name,
			Title:     asset.title,
			First:     uint32(len(records)),
			Size:      uint64(len(asset.data)),
			Digest:    Sum(asset.data),
			Shareable: asset.shareable,
		}

		rest := asset.data
		for {
			chunk := rest[:min(len(rest), segmentSize)]
			rest = rest[len(chunk):]

			stored, tag, err := Compress(chunk, asset.compression)
			if err != nil {
				return 0, fmt.Errorf("asset %q: %w", asset.name, err)
			}
			records = append(records, SegmentRecord{
				Offset:      offset,
				StoredSize:  uint32(len(stored)),
				Size:        uint32(len(chunk)),
				Compression: tag,
				Digest:      Sum(chunk),
			})
			payloads = append(payloads, stored)
			offset += uint64(len(stored))
			entry.Count++

			if len(rest) == 0 {
				break
			}
		}
		manifest.Entries = append(manifest.Entries, entry)
	}

	rawManifest, err := encodeManifest(&manifest)
	if err != nil {
		return 0, fmt.Errorf("encoding manifest: %w", err)
	}

	header := ContainerHeader{
		Version:            Version,
		HeaderSize:         headerSize,
		SegmentTableOffset: offset,
		SegmentCount:       uint32(len(records)),
		ManifestOffset:     offset + uint64(len(records))*segmentRecordSize,
		ManifestSize:       uint32(len(rawManifest)),
	}
	copy(header.Magic[:], Magic)

	cw := &countingWriter{w: w}
	if err := binary.Write(cw, binary.LittleEndian, &header); err != nil {
		return cw.n, err
	}
	for _, payload := range payloads {
		if _, err := cw.Write(payload); err != nil {
			return cw.n, err
		}
	}
	if err := binary.Write(cw, binary.LittleEndian, records); err != nil {
		return cw.n, err
	}
	if _, err := cw.Write(rawManifest); err != nil {
		return cw.n, err
	}
	return cw.n, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}
