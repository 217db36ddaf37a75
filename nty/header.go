package nty

import "encoding/binary"

// Magic identifies a volume container.
const Magic = "NTY1"

const (
	// Version is the only container version this package reads and writes.
	Version uint16 = 1

	// MaxSegmentSize bounds the decoded size of one segment.
	MaxSegmentSize = 1 << 30

	headerSize        = 40
	segmentRecordSize = 56
)

// ContainerHeader is the fixed header at offset 0 of every container.
type ContainerHeader struct {
	Magic              [4]uint8
	Version            uint16
	HeaderSize         uint16
	SegmentTableOffset uint64
	SegmentCount       uint32
	ManifestOffset     uint64
	ManifestSize       uint32
	Flags              uint32
	Reserved           uint32
}

// SegmentRecord is one entry of the segment table. Digest is the blake3
// hash of the decoded bytes.
type SegmentRecord struct {
	Offset      uint64
	StoredSize  uint32
	Size        uint32
	Compression CompressionTag
	Flags       uint16
	Reserved    uint32
	Digest      Digest
}

func init() {
	if binary.Size(ContainerHeader{}) != headerSize {
		panic("nty: container header size drifted")
	}
	if binary.Size(SegmentRecord{}) != segmentRecordSize {
		panic("nty: segment record size drifted")
	}
}
