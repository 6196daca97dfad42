package zipsurgeon

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"io"
	"io/ioutil"
	"os"

	"github.com/pkg/errors"
)

// Archive is a read-only view of an opened APK's central directory.
type Archive struct {
	r         io.ReaderAt
	size      int64
	entries   []Entry
	cdOffset  int64
	cdSize    int64
	eocd      eocdRecord
	hasV2Block bool
}

// Open reads the central directory of the ZIP file backing r. size is the
// total length of the archive.
func Open(r io.ReaderAt, size int64) (*Archive, error) {
	eocdOff, err := LocateEOCD(r, size)
	if err != nil {
		return nil, err
	}
	var eb [eocdLen]byte
	if _, err := r.ReadAt(eb[:], eocdOff); err != nil {
		return nil, errors.Wrap(err, "zipsurgeon: reading EOCD")
	}
	var eocd eocdRecord
	if err := binary.Read(bytes.NewReader(eb[:]), binary.LittleEndian, &eocd); err != nil {
		return nil, errors.Wrap(err, "zipsurgeon: decoding EOCD")
	}
	cdOff := int64(eocd.CDOffset)
	cdSize := int64(eocd.CDSize)
	if cdOff < 0 || cdOff+cdSize > eocdOff {
		return nil, errors.Wrap(ErrMalformedArchive, "central directory offset out of range")
	}
	cd := make([]byte, cdSize)
	if _, err := r.ReadAt(cd, cdOff); err != nil {
		return nil, errors.Wrap(err, "zipsurgeon: reading central directory")
	}
	entries, err := parseCentralDirectory(cd, int(eocd.TotalCDCount))
	if err != nil {
		return nil, err
	}
	a := &Archive{
		r:        r,
		size:     size,
		entries:  entries,
		cdOffset: cdOff,
		cdSize:   cdSize,
		eocd:     eocd,
	}
	a.hasV2Block = detectV2Block(r, cdOff)
	return a, nil
}

// OpenFile opens path, stats it, and parses its central directory.
func OpenFile(path string) (*Archive, *os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrap(err, "zipsurgeon: opening archive")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, errors.Wrap(err, "zipsurgeon: stat archive")
	}
	a, err := Open(f, info.Size())
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return a, f, nil
}

func parseCentralDirectory(cd []byte, want int) ([]Entry, error) {
	entries := make([]Entry, 0, want)
	for len(cd) > 0 {
		if len(cd) < centralDirLen {
			return nil, errors.Wrap(ErrMalformedArchive, "truncated central directory record")
		}
		if binary.LittleEndian.Uint32(cd) != centralDirSignature {
			break
		}
		var hdr centralDirHeader
		if err := binary.Read(bytes.NewReader(cd[:centralDirLen]), binary.LittleEndian, &hdr); err != nil {
			return nil, errors.Wrap(err, "zipsurgeon: decoding central directory record")
		}
		rest := cd[centralDirLen:]
		nameLen := int(hdr.FilenameLen)
		extraLen := int(hdr.ExtraLen)
		commentLen := int(hdr.CommentLen)
		if len(rest) < nameLen+extraLen+commentLen {
			return nil, errors.Wrap(ErrMalformedArchive, "central directory record overruns buffer")
		}
		name := string(rest[:nameLen])
		entries = append(entries, Entry{
			Name:              name,
			Method:            hdr.Method,
			CRC32:             hdr.CRC32,
			CompressedSize:    hdr.CompressedSize,
			UncompressedSize:  hdr.UncompressedSize,
			LocalHeaderOffset: hdr.Offset,
			ModTime:           hdr.ModifiedTime,
			ModDate:           hdr.ModifiedDate,
		})
		cd = rest[nameLen+extraLen+commentLen:]
	}
	if len(entries) != want {
		return nil, errors.Wrap(ErrMalformedArchive, "central directory entry count mismatch")
	}
	return entries, nil
}

// LocateEOCD scans backward from the end of the archive looking for the
// EOCD signature, one byte at a time, as the ZIP reader described in the
// source does. The ZIP comment is assumed to be empty; if a signature isn't
// found within the trailing 64 KiB this returns ErrMalformedArchive.
func LocateEOCD(r io.ReaderAt, size int64) (int64, error) {
	if size < eocdLen {
		return 0, errors.Wrap(ErrMalformedArchive, "archive shorter than EOCD record")
	}
	window := int64(maxEOCDSearch)
	if window > size {
		window = size
	}
	buf := make([]byte, window)
	start := size - window
	if _, err := r.ReadAt(buf, start); err != nil && err != io.EOF {
		return 0, errors.Wrap(err, "zipsurgeon: reading EOCD search window")
	}
	for i := len(buf) - eocdLen; i >= 0; i-- {
		if binary.LittleEndian.Uint32(buf[i:]) == eocdSignature {
			return start + int64(i), nil
		}
	}
	return 0, errors.Wrap(ErrMalformedArchive, "EOCD signature not found in trailing 64KiB")
}

// detectV2Block reports whether the 24 bytes immediately preceding the
// central directory carry the "APK Sig Block 42" footer magic, meaning a
// signing block is already present and must be stripped rather than
// silently preserved on resign.
func detectV2Block(r io.ReaderAt, cdOffset int64) bool {
	if cdOffset < 24 {
		return false
	}
	var footer [24]byte
	if _, err := r.ReadAt(footer[:], cdOffset-24); err != nil {
		return false
	}
	return bytes.Equal(footer[8:], []byte(apkSigBlockMagic))
}

// Entries returns the parsed central directory in on-disk order.
func (a *Archive) Entries() []Entry { return a.entries }

// CDOffset returns the byte offset of the first central directory record as
// currently recorded in the EOCD.
func (a *Archive) CDOffset() int64 { return a.cdOffset }

// HasExistingV2Block reports whether Open detected a pre-existing APK
// Signing Block immediately before the central directory.
func (a *Archive) HasExistingV2Block() bool { return a.hasV2Block }

// OpenEntryStream returns a reader over the entry's decompressed content.
// The local header is re-read because its extra field length is not always
// identical to the central directory's (zipalign in particular only pads
// the local header).
func (a *Archive) OpenEntryStream(e Entry) (io.ReadCloser, error) {
	var lh [localHeaderLen]byte
	if _, err := a.r.ReadAt(lh[:], int64(e.LocalHeaderOffset)); err != nil {
		return nil, errors.Wrap(err, "zipsurgeon: reading local header")
	}
	if binary.LittleEndian.Uint32(lh[:]) != localHeaderSignature {
		return nil, errors.Wrap(ErrMalformedArchive, "local header signature mismatch")
	}
	nameLen := binary.LittleEndian.Uint16(lh[26:28])
	extraLen := binary.LittleEndian.Uint16(lh[28:30])
	dataOffset := int64(e.LocalHeaderOffset) + localHeaderLen + int64(nameLen) + int64(extraLen)
	raw := io.NewSectionReader(a.r, dataOffset, int64(e.CompressedSize))
	switch e.Method {
	case MethodStored:
		return ioutil.NopCloser(raw), nil
	case MethodDeflate:
		return flate.NewReader(raw), nil
	default:
		return nil, errors.Errorf("zipsurgeon: unsupported compression method %d", e.Method)
	}
}

// OpenRawEntry returns the entry's on-disk bytes exactly as stored
// (compressed if DEFLATEd, untouched if STORED) — what CopyEntry needs to
// re-emit a member without recompressing it.
func (a *Archive) OpenRawEntry(e Entry) (io.Reader, error) {
	var lh [localHeaderLen]byte
	if _, err := a.r.ReadAt(lh[:], int64(e.LocalHeaderOffset)); err != nil {
		return nil, errors.Wrap(err, "zipsurgeon: reading local header")
	}
	if binary.LittleEndian.Uint32(lh[:]) != localHeaderSignature {
		return nil, errors.Wrap(ErrMalformedArchive, "local header signature mismatch")
	}
	nameLen := binary.LittleEndian.Uint16(lh[26:28])
	extraLen := binary.LittleEndian.Uint16(lh[28:30])
	dataOffset := int64(e.LocalHeaderOffset) + localHeaderLen + int64(nameLen) + int64(extraLen)
	return io.NewSectionReader(a.r, dataOffset, int64(e.CompressedSize)), nil
}

const apkSigBlockMagic = "APK Sig Block 42"
