package nty

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	errs "github.com/ptolstoi/ntypool/errors"
)

// Reader gives access to one opened container: its header, its segment
// chain, its manifest and raw byte ranges.
//
// A Reader is safe for concurrent use. Consumers that walk the chain or
// read streams for longer than a single call hold a lease (Acquire) so
// that Close cannot release the chain underneath them.
type Reader struct {
	name   string
	src    io.ReaderAt
	closer io.Closer
	extent uint64

	header   ContainerHeader
	manifest *Manifest
	index    map[string]int
	titles   map[string]int
	chain    SegmentChain

	mu      sync.Mutex
	leases  int
	closing bool
	closed  bool
}

// Open opens the container file at path.
func Open(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errs.Wrap(errs.ErrOpen, "open", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, errs.Wrap(errs.ErrOpen, "open", path, err)
	}

	reader, err := newReader(path, file, info.Size())
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	reader.closer = file
	return reader, nil
}

// OpenReaderAt opens a container held by src, which is size bytes long.
// name is only used in errors. If src implements io.Closer it is closed
// together with the Reader.
func OpenReaderAt(name string, src io.ReaderAt, size int64) (*Reader, error) {
	reader, err := newReader(name, src, size)
	if err != nil {
		return nil, err
	}
	if closer, ok := src.(io.Closer); ok {
		reader.closer = closer
	}
	return reader, nil
}

func newReader(name string, src io.ReaderAt, size int64) (*Reader, error) {
	fail := func(format string, args ...any) (*Reader, error) {
		return nil, errs.New(errs.ErrOpen, "open", name, format, args...)
	}

	if size < headerSize {
		return fail("container is %d bytes, smaller than its header", size)
	}

	reader := Reader{
		name:   name,
		src:    src,
		extent: uint64(size),
	}

	file := io.NewSectionReader(src, 0, size)
	if err := binary.Read(file, binary.LittleEndian, &reader.header); err != nil {
		return fail("reading header: %v", err)
	}
	if string(reader.header.Magic[:]) != Magic {
		return fail("bad magic %q", reader.header.Magic[:])
	}
	if reader.header.Version != Version {
		return fail("unsupported version %d", reader.header.Version)
	}
	if reader.header.HeaderSize != headerSize {
		return fail("unexpected header size %d", reader.header.HeaderSize)
	}

	tableSize := uint64(reader.header.SegmentCount) * segmentRecordSize
	if !reader.inExtent(reader.header.SegmentTableOffset, tableSize) {
		return fail("segment table %d+%d outside %d bytes", reader.header.SegmentTableOffset, tableSize, size)
	}
	if _, err := file.Seek(int64(reader.header.SegmentTableOffset), io.SeekStart); err != nil {
		return fail("seeking segment table: %v", err)
	}
	records := make([]SegmentRecord, reader.header.SegmentCount)
	if err := binary.Read(file, binary.LittleEndian, &records); err != nil {
		return fail("reading segment table: %v", err)
	}
	for i, record := range records {
		if !reader.inExtent(record.Offset, uint64(record.StoredSize)) {
			return fail("segment %d at %d+%d outside %d bytes", i, record.Offset, record.StoredSize, size)
		}
		if record.Size > MaxSegmentSize {
			return fail("segment %d decodes to %d bytes, limit is %d", i, record.Size, MaxSegmentSize)
		}
		reader.chain.append(Segment{
			Offset:      record.Offset,
			StoredSize:  record.StoredSize,
			Size:        record.Size,
			Compression: record.Compression,
			Flags:       record.Flags,
			Digest:      record.Digest,
		})
	}

	if !reader.inExtent(reader.header.ManifestOffset, uint64(reader.header.ManifestSize)) {
		return fail("manifest %d+%d outside %d bytes", reader.header.ManifestOffset, reader.header.ManifestSize, size)
	}
	raw := make([]byte, reader.header.ManifestSize)
	if _, err := src.ReadAt(raw, int64(reader.header.ManifestOffset)); err != nil {
		return fail("reading manifest: %v", err)
	}
	manifest, err := decodeManifest(raw)
	if err != nil {
		return fail("decoding manifest: %v", err)
	}
	if err := manifest.check(&reader.chain); err != nil {
		return fail("%v", err)
	}
	reader.manifest = manifest

	reader.index = make(map[string]int, len(manifest.Entries))
	reader.titles = make(map[string]int)
	for i, entry := range manifest.Entries {
		reader.index[entry.Name] = i
		if entry.Title == "" {
			continue
		}
		if _, taken := reader.titles[entry.Title]; !taken {
			reader.titles[entry.Title] = i
		}
	}

	return &reader, nil
}

func (reader *Reader) inExtent(offset, length uint64) bool {
	return offset <= reader.extent && length <= reader.extent-offset
}

// Name is the path or name the Reader was opened with.
func (reader *Reader) Name() string {
	return reader.name
}

// Header returns the container header.
func (reader *Reader) Header() ContainerHeader {
	return reader.header
}

// BuildID returns the build the manifest was written for.
func (reader *Reader) BuildID() uint32 {
	return reader.manifest.BuildID
}

// Extent is the container size in bytes.
func (reader *Reader) Extent() uint64 {
	return reader.extent
}

// SegmentChain exposes the segment chain. It must not be traversed after
// Close unless the caller holds a lease.
func (reader *Reader) SegmentChain() *SegmentChain {
	return &reader.chain
}

// Entries returns a copy of the manifest entries in container order.
func (reader *Reader) Entries() []Entry {
	entries := make([]Entry, len(reader.manifest.Entries))
	copy(entries, reader.manifest.Entries)
	return entries
}

// Lookup returns the manifest entry for name.
func (reader *Reader) Lookup(name string) (Entry, bool) {
	i, ok := reader.index[name]
	if !ok {
		return Entry{}, false
	}
	return reader.manifest.Entries[i], true
}

// LookupTitle returns the first manifest entry carrying title, together
// with its position in the manifest.
func (reader *Reader) LookupTitle(title string) (int, Entry, bool) {
	i, ok := reader.titles[title]
	if !ok {
		return 0, Entry{}, false
	}
	return i, reader.manifest.Entries[i], true
}

// GetStream returns a reader over length bytes starting at offset.
func (reader *Reader) GetStream(offset, length uint64) (*io.SectionReader, error) {
	if reader.isClosed() {
		return nil, errs.New(errs.ErrClosed, "getStream", reader.name, "reader is closed")
	}
	if !reader.inExtent(offset, length) {
		return nil, errs.New(errs.ErrRange, "getStream", reader.name,
			"%d+%d exceeds extent %d", offset, length, reader.extent)
	}
	return io.NewSectionReader(reader.src, int64(offset), int64(length)), nil
}

// Acquire leases the Reader. While any lease is held Close defers the
// release of the chain and the underlying file. The returned release
// function may be called more than once.
func (reader *Reader) Acquire() (release func(), err error) {
	reader.mu.Lock()
	defer reader.mu.Unlock()
	if reader.closing {
		return nil, errs.New(errs.ErrClosed, "acquire", reader.name, "reader is closing")
	}
	reader.leases++

	var once sync.Once
	return func() { once.Do(reader.release) }, nil
}

func (reader *Reader) release() {
	reader.mu.Lock()
	reader.leases--
	last := reader.closing && reader.leases == 0 && !reader.closed
	if last {
		reader.closed = true
	}
	reader.mu.Unlock()

	if last {
		_ = reader.finish()
	}
}

// Leases is the number of outstanding leases.
func (reader *Reader) Leases() int {
	reader.mu.Lock()
	defer reader.mu.Unlock()
	return reader.leases
}

// Close stops new leases. The chain and the underlying file are released
// immediately when no lease is held, otherwise when the last lease is
// returned.
func (reader *Reader) Close() error {
	reader.mu.Lock()
	if reader.closing {
		reader.mu.Unlock()
		return nil
	}
	reader.closing = true
	now := reader.leases == 0
	if now {
		reader.closed = true
	}
	reader.mu.Unlock()

	if now {
		return reader.finish()
	}
	return nil
}

func (reader *Reader) isClosed() bool {
	reader.mu.Lock()
	defer reader.mu.Unlock()
	return reader.closed
}

func (reader *Reader) finish() error {
	reader.chain.release()
	if reader.closer == nil {
		return nil
	}
	if err := reader.closer.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", reader.name, err)
	}
	return nil
}
