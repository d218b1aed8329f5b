package replay

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Capture file format, little-endian throughout:
//
//	header:  magic "PMF1" | u16 version | u16 symbolCount
//	         symbolCount x (u16 length | bytes)
//	records: fixed 48-byte layout, repeated to EOF
//
// Files ending in .zst carry the same stream zstd-compressed, which is how
// venue captures are usually stored at rest.
var captureMagic = [4]byte{'P', 'M', 'F', '1'}

const (
	captureVersion = 1
	recordSize     = 48
)

const flagExecAggressor = 1 << 0

var errBadMagic = errors.New("replay: not a PMF capture")

func encodeRecord(buf *[recordSize]byte, ev *FeedEvent, symbolIdx uint16) {
	le := binary.LittleEndian
	le.PutUint64(buf[0:], ev.TsEventNs)
	le.PutUint64(buf[8:], ev.OrderID)
	le.PutUint64(buf[16:], uint64(ev.PriceCents))
	le.PutUint64(buf[24:], uint64(ev.NewPriceCents))
	le.PutUint32(buf[32:], uint32(ev.Qty))
	le.PutUint32(buf[36:], uint32(ev.NewQty))
	le.PutUint16(buf[40:], symbolIdx)
	buf[42] = byte(ev.Action)
	buf[43] = ev.Side
	var flags byte
	if ev.ExecIsAggressor {
		flags |= flagExecAggressor
	}
	buf[44] = flags
	buf[45], buf[46], buf[47] = 0, 0, 0
}

func decodeRecord(buf *[recordSize]byte, ev *FeedEvent) (symbolIdx uint16) {
	le := binary.LittleEndian
	ev.TsEventNs = le.Uint64(buf[0:])
	ev.OrderID = le.Uint64(buf[8:])
	ev.PriceCents = int64(le.Uint64(buf[16:]))
	ev.NewPriceCents = int64(le.Uint64(buf[24:]))
	ev.Qty = int32(le.Uint32(buf[32:]))
	ev.NewQty = int32(le.Uint32(buf[36:]))
	symbolIdx = le.Uint16(buf[40:])
	ev.Action = FeedAction(buf[42])
	ev.Side = buf[43]
	ev.ExecIsAggressor = buf[44]&flagExecAggressor != 0
	return symbolIdx
}

// FileSource reads a PMF capture from disk, decompressing .zst files
// transparently. Implements FeedSource.
type FileSource struct {
	file    *os.File
	zr      *zstd.Decoder
	r       *bufio.Reader
	symbols []string
	err     error
}

// NewFileSource returns a closed source; call Open before Next.
func NewFileSource() *FileSource {
	return &FileSource{}
}

// Open opens the capture at path and reads its header.
func (fs *FileSource) Open(path string) error {
	_ = fs.Close()
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	fs.file = f

	var raw io.Reader = f
	if strings.HasSuffix(path, ".zst") {
		zr, err := zstd.NewReader(f)
		if err != nil {
			_ = fs.Close()
			return fmt.Errorf("replay: open zstd stream: %w", err)
		}
		fs.zr = zr
		raw = zr
	}
	fs.r = bufio.NewReaderSize(raw, 1<<16)

	if err := fs.readHeader(); err != nil {
		_ = fs.Close()
		return err
	}
	return nil
}

func (fs *FileSource) readHeader() error {
	var magic [4]byte
	if _, err := io.ReadFull(fs.r, magic[:]); err != nil {
		return fmt.Errorf("replay: read header: %w", err)
	}
	if magic != captureMagic {
		return errBadMagic
	}
	var hdr [4]byte
	if _, err := io.ReadFull(fs.r, hdr[:]); err != nil {
		return fmt.Errorf("replay: read header: %w", err)
	}
	le := binary.LittleEndian
	if v := le.Uint16(hdr[0:]); v != captureVersion {
		return fmt.Errorf("replay: unsupported capture version %d", v)
	}
	count := int(le.Uint16(hdr[2:]))
	fs.symbols = make([]string, count)
	for i := range fs.symbols {
		var lenBuf [2]byte
		if _, err := io.ReadFull(fs.r, lenBuf[:]); err != nil {
			return fmt.Errorf("replay: read symbol table: %w", err)
		}
		name := make([]byte, le.Uint16(lenBuf[:]))
		if _, err := io.ReadFull(fs.r, name); err != nil {
			return fmt.Errorf("replay: read symbol table: %w", err)
		}
		fs.symbols[i] = string(name)
	}
	return nil
}

// Next decodes the next record. Returns false on EOF or a corrupt tail;
// Err distinguishes the two.
func (fs *FileSource) Next(out *FeedEvent) bool {
	if fs.r == nil {
		return false
	}
	var buf [recordSize]byte
	if _, err := io.ReadFull(fs.r, buf[:]); err != nil {
		if err != io.EOF {
			fs.err = err
		}
		return false
	}
	idx := decodeRecord(&buf, out)
	if int(idx) < len(fs.symbols) {
		out.Symbol = fs.symbols[idx]
	} else {
		out.Symbol = ""
	}
	return true
}

// Err returns the first decode error, nil on a clean EOF.
func (fs *FileSource) Err() error {
	return fs.err
}

// Symbols returns the capture's symbol table.
func (fs *FileSource) Symbols() []string {
	return fs.symbols
}

// Close releases the underlying file. Safe on a closed source.
func (fs *FileSource) Close() error {
	if fs.zr != nil {
		fs.zr.Close()
		fs.zr = nil
	}
	fs.r = nil
	if fs.file != nil {
		err := fs.file.Close()
		fs.file = nil
		return err
	}
	return nil
}

// CaptureWriter produces PMF captures; the symbol table is fixed up front
// and records append in stream order. Used by tests and capture tooling.
type CaptureWriter struct {
	w       *bufio.Writer
	zw      *zstd.Encoder
	closer  io.Closer
	indexOf map[string]uint16
}

// NewCaptureWriter writes a capture with the given symbol table to w. If w
// is also an io.Closer, Close closes it.
func NewCaptureWriter(w io.Writer, symbols []string) (*CaptureWriter, error) {
	cw := &CaptureWriter{indexOf: make(map[string]uint16, len(symbols))}
	if c, ok := w.(io.Closer); ok {
		cw.closer = c
	}
	cw.w = bufio.NewWriterSize(w, 1<<16)
	if err := cw.writeHeader(symbols); err != nil {
		return nil, err
	}
	return cw, nil
}

// CreateCaptureFile creates a capture file at path, zstd-compressing when
// the path ends in .zst.
func CreateCaptureFile(path string, symbols []string) (*CaptureWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, ".zst") {
		return NewCaptureWriter(f, symbols)
	}
	zw, err := zstd.NewWriter(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	cw, err := NewCaptureWriter(zw, symbols)
	if err != nil {
		_ = zw.Close()
		_ = f.Close()
		return nil, err
	}
	cw.zw = zw
	cw.closer = f
	return cw, nil
}

func (cw *CaptureWriter) writeHeader(symbols []string) error {
	le := binary.LittleEndian
	if _, err := cw.w.Write(captureMagic[:]); err != nil {
		return err
	}
	var hdr [4]byte
	le.PutUint16(hdr[0:], captureVersion)
	le.PutUint16(hdr[2:], uint16(len(symbols)))
	if _, err := cw.w.Write(hdr[:]); err != nil {
		return err
	}
	for i, sym := range symbols {
		var lenBuf [2]byte
		le.PutUint16(lenBuf[:], uint16(len(sym)))
		if _, err := cw.w.Write(lenBuf[:]); err != nil {
			return err
		}
		if _, err := cw.w.WriteString(sym); err != nil {
			return err
		}
		cw.indexOf[sym] = uint16(i)
	}
	return nil
}

// Append writes one record. The event's Symbol must be in the table given
// at construction.
func (cw *CaptureWriter) Append(ev *FeedEvent) error {
	idx, ok := cw.indexOf[ev.Symbol]
	if !ok {
		return fmt.Errorf("replay: symbol %q not in capture table", ev.Symbol)
	}
	var buf [recordSize]byte
	encodeRecord(&buf, ev, idx)
	_, err := cw.w.Write(buf[:])
	return err
}

// Close flushes and closes the capture.
func (cw *CaptureWriter) Close() error {
	if err := cw.w.Flush(); err != nil {
		return err
	}
	if cw.zw != nil {
		if err := cw.zw.Close(); err != nil {
			return err
		}
	}
	if cw.closer != nil {
		return cw.closer.Close()
	}
	return nil
}
