// Package decoder streams the decoded bytes of one asset out of a
// container Reader.
//
// The package is stateless: ExtractToStream and ExtractToMemory validate
// the key against the reader on every call. CreateDecoder validates once
// and returns a Session that can extract repeatedly while it holds a lease
// on the reader.
package decoder

import (
	"bytes"
	"io"
	"log/slog"

	"github.com/google/uuid"

	errs "github.com/ptolstoi/ntypool/errors"
	"github.com/ptolstoi/ntypool/nty"
)

// Flags change how an extraction decodes.
type Flags uint32

const (
	// FlagVerify checks every segment and the whole asset against their
	// recorded blake3 digests.
	FlagVerify Flags = 1 << iota
	// FlagRaw copies stored bytes without decompressing them.
	FlagRaw
)

// Key locates an asset inside a container: a run of consecutive segments
// and the decoded size and digest they must produce.
type Key struct {
	Name   string
	First  uint32
	Count  uint32
	Size   uint64
	Digest nty.Digest
}

// KeyOf builds the key for a manifest entry.
func KeyOf(entry nty.Entry) Key {
	return Key{
		Name:   entry.Name,
		First:  entry.First,
		Count:  entry.Count,
		Size:   entry.Size,
		Digest: entry.Digest,
	}
}

// ExtractToStream decodes the asset behind key and writes it to w.
//
// Range and structure checks happen before the first write. A failure
// while writing (errors.ErrIO) or while decoding a later segment
// (errors.ErrDecode) leaves whatever was already written in w; the caller
// has to discard such output.
func ExtractToStream(key Key, reader *nty.Reader, w io.Writer, flags Flags) error {
	session, err := CreateDecoder(key, reader, flags)
	if err != nil {
		return err
	}
	defer session.Close()

	_, err = session.ExtractTo(w)
	return err
}

// maxPrealloc bounds how much ExtractToMemory reserves up front from a
// key's declared size; larger assets grow the buffer as segments decode.
const maxPrealloc = 64 << 20

// ExtractToMemory decodes the asset behind key into a new slice.
func ExtractToMemory(key Key, reader *nty.Reader, flags Flags) ([]byte, error) {
	session, err := CreateDecoder(key, reader, flags)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	var buf bytes.Buffer
	if flags&FlagRaw == 0 {
		buf.Grow(int(min(key.Size, maxPrealloc)))
	}
	if _, err := session.ExtractTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Session is a key validated against one reader. It holds a lease on the
// reader until Close.
type Session struct {
	id       uuid.UUID
	key      Key
	reader   *nty.Reader
	flags    Flags
	segments []nty.Segment
	release  func()
}

// CreateDecoder validates key against reader and leases the reader.
//
// It fails with errors.ErrRange when the key runs past the tail of the
// reader's segment chain, with errors.ErrDecode when the key references no
// segments or its segments do not add up to the key's size, and with
// errors.ErrClosed when the reader is closing.
func CreateDecoder(key Key, reader *nty.Reader, flags Flags) (*Session, error) {
	release, err := reader.Acquire()
	if err != nil {
		return nil, err
	}

	segments, err := resolveSegments(key, reader.SegmentChain())
	if err != nil {
		release()
		return nil, err
	}

	session := &Session{
		id:       uuid.New(),
		key:      key,
		reader:   reader,
		flags:    flags,
		segments: segments,
		release:  release,
	}
	slog.Debug("decoder session created",
		"session", session.id, "name", key.Name, "segments", len(segments), "container", reader.Name())
	return session, nil
}

func resolveSegments(key Key, chain *nty.SegmentChain) ([]nty.Segment, error) {
	if key.Count == 0 {
		return nil, errs.New(errs.ErrDecode, "createDecoder", key.Name, "key references no segments")
	}
	if !chain.Contains(int(key.First), int(key.Count)) {
		return nil, errs.New(errs.ErrRange, "createDecoder", key.Name,
			"segments %d+%d outside chain of %d", key.First, key.Count, chain.Len())
	}

	segments := make([]nty.Segment, 0, key.Count)
	var total uint64
	for s := range chain.Range(int(key.First), int(key.Count)) {
		segments = append(segments, s)
		total += uint64(s.Size)
	}
	if total != key.Size {
		return nil, errs.New(errs.ErrDecode, "createDecoder", key.Name,
			"segments hold %d bytes, key expects %d", total, key.Size)
	}
	return segments, nil
}

// ID identifies the session in logs.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// Key returns the key the session was created for.
func (s *Session) Key() Key {
	return s.key
}

// ExtractTo decodes the asset and writes it to w, returning the number of
// bytes written.
func (s *Session) ExtractTo(w io.Writer) (int64, error) {
	if s.release == nil {
		return 0, errs.New(errs.ErrClosed, "extract", s.key.Name, "session is closed")
	}

	verify := s.flags&FlagVerify != 0 && s.flags&FlagRaw == 0
	var hasher *nty.Hasher
	if verify {
		hasher = nty.NewHasher()
	}

	var written int64
	for _, segment := range s.segments {
		data, err := s.readSegment(segment)
		if err != nil {
			return written, err
		}

		if s.flags&FlagRaw == 0 {
			data, err = nty.Decompress(data, segment.Compression, int(segment.Size))
			if err != nil {
				return written, errs.Wrap(errs.ErrDecode, "extract", s.key.Name, err)
			}
			if verify {
				if nty.Sum(data) != segment.Digest {
					return written, errs.New(errs.ErrDecode, "extract", s.key.Name,
						"segment %d digest mismatch", segment.Index)
				}
				_, _ = hasher.Write(data)
			}
		}

		n, err := w.Write(data)
		written += int64(n)
		if err == nil && n < len(data) {
			err = io.ErrShortWrite
		}
		if err != nil {
			return written, errs.Wrap(errs.ErrIO, "extract", s.key.Name, err)
		}
	}

	if verify && !s.key.Digest.IsZero() && hasher.Digest() != s.key.Digest {
		return written, errs.New(errs.ErrDecode, "extract", s.key.Name, "asset digest mismatch")
	}
	return written, nil
}

func (s *Session) readSegment(segment nty.Segment) ([]byte, error) {
	stream, err := s.reader.GetStream(segment.Offset, uint64(segment.StoredSize))
	if err != nil {
		return nil, err
	}
	data := make([]byte, segment.StoredSize)
	if _, err := io.ReadFull(stream, data); err != nil {
		return nil, errs.Wrap(errs.ErrDecode, "extract", s.key.Name, err)
	}
	return data, nil
}

// Close returns the reader lease. It is safe to call more than once.
func (s *Session) Close() {
	if s.release == nil {
		return
	}
	s.release()
	s.release = nil
	slog.Debug("decoder session closed", "session", s.id, "name", s.key.Name)
}
