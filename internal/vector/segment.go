package vector

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/hyperjump/kioku/internal/models"
)

// Segment file layout (little endian):
//
//	magic "KSEG" | version u16 | dimensions u32 | rows u32
//	ids | kinds | contents | contexts | tags | confidences | scopes | sessions | created | vectors
//	crc32 (IEEE) of everything before it
//
// Strings are u32 length + bytes. Tags are a u16 count followed by strings.
// Kinds are one byte per row, confidences f64, created unix nanos i64, vectors rows*dimensions f32.
const (
	segmentMagic   = "KSEG"
	segmentVersion = 1
	segmentHeader  = 4 + 2 + 4 + 4
	segmentExt     = ".kseg"
	maxTagsPerRow  = math.MaxUint16
)

var errCorruptSegment = errors.New("corrupt segment")

// segment is a decoded immutable segment file. Records carry only their insert-time
// fields; access stats and tombstones are applied from the catalog per view.
type segment struct {
	name    string
	dims    int
	records []*models.MemoryRecord
}

func segmentName(n uint64) string {
	return fmt.Sprintf("seg-%08d%s", n, segmentExt)
}

// compactedSegmentName names the merged segment built from the snapshot at gen.
// It cannot collide with segmentName, so inserts may commit while it is written.
func compactedSegmentName(gen uint64) string {
	return fmt.Sprintf("cmp-%08d%s", gen, segmentExt)
}

// encodeSegment serializes records column by column.
func encodeSegment(dims int, records []*models.MemoryRecord) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(segmentMagic)
	le := binary.LittleEndian
	buf.Write(le.AppendUint16(nil, segmentVersion))
	buf.Write(le.AppendUint32(nil, uint32(dims)))
	buf.Write(le.AppendUint32(nil, uint32(len(records))))

	writeString := func(s string) {
		buf.Write(le.AppendUint32(nil, uint32(len(s))))
		buf.WriteString(s)
	}

	for _, r := range records {
		if len(r.Embedding) != dims {
			return nil, models.DimensionError("record "+r.ID, len(r.Embedding), dims)
		}
		if len(r.Tags) > maxTagsPerRow {
			return nil, fmt.Errorf("%w: record %s has too many tags", models.ErrValidation, r.ID)
		}
		writeString(r.ID)
	}
	for _, r := range records {
		code := r.Kind.Code()
		if code == 0 {
			return nil, fmt.Errorf("%w: record %s has invalid kind %q", models.ErrValidation, r.ID, r.Kind)
		}
		buf.WriteByte(code)
	}
	for _, r := range records {
		writeString(r.Content)
	}
	for _, r := range records {
		writeString(r.Context)
	}
	for _, r := range records {
		buf.Write(le.AppendUint16(nil, uint16(len(r.Tags))))
		for _, tag := range r.Tags {
			writeString(tag)
		}
	}
	for _, r := range records {
		buf.Write(le.AppendUint64(nil, math.Float64bits(r.Confidence)))
	}
	for _, r := range records {
		writeString(r.ProjectScope)
	}
	for _, r := range records {
		writeString(r.SessionSource)
	}
	for _, r := range records {
		buf.Write(le.AppendUint64(nil, uint64(r.CreatedAt.UnixNano())))
	}
	for _, r := range records {
		buf.Write(float32SliceToBytes(r.Embedding))
	}

	buf.Write(le.AppendUint32(nil, crc32.ChecksumIEEE(buf.Bytes())))
	return buf.Bytes(), nil
}

// decodeSegment parses a segment file body. Any structural problem or checksum
// mismatch is reported as errCorruptSegment.
func decodeSegment(name string, data []byte) (*segment, error) {
	if len(data) < segmentHeader+4 {
		return nil, fmt.Errorf("%w: %s: file too short", errCorruptSegment, name)
	}
	body, trailer := data[:len(data)-4], data[len(data)-4:]
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(trailer) {
		return nil, fmt.Errorf("%w: %s: checksum mismatch", errCorruptSegment, name)
	}
	if string(body[:4]) != segmentMagic {
		return nil, fmt.Errorf("%w: %s: bad magic", errCorruptSegment, name)
	}

	r := &byteReader{buf: body, off: 4}
	if v := r.u16(); v != segmentVersion {
		return nil, fmt.Errorf("%w: %s: unsupported version %d", errCorruptSegment, name, v)
	}
	dims := int(r.u32())
	n := int(r.u32())
	if dims <= 0 {
		return nil, fmt.Errorf("%w: %s: dimensions %d", errCorruptSegment, name, dims)
	}
	// every row needs at least its id length, kind byte, and vector
	if n < 0 || n > len(body)/(4+1+dims*4) {
		return nil, fmt.Errorf("%w: %s: row count %d exceeds file size", errCorruptSegment, name, n)
	}

	recs := make([]*models.MemoryRecord, n)
	for i := range recs {
		recs[i] = &models.MemoryRecord{ID: r.str()}
	}
	for _, rec := range recs {
		k, ok := models.KindFromCode(r.u8())
		if !ok && r.err == nil {
			return nil, fmt.Errorf("%w: %s: invalid kind code for %s", errCorruptSegment, name, rec.ID)
		}
		rec.Kind = k
	}
	for _, rec := range recs {
		rec.Content = r.str()
	}
	for _, rec := range recs {
		rec.Context = r.str()
	}
	for _, rec := range recs {
		if c := int(r.u16()); c > 0 {
			rec.Tags = make([]string, 0, c)
			for j := 0; j < c && r.err == nil; j++ {
				rec.Tags = append(rec.Tags, r.str())
			}
		}
	}
	for _, rec := range recs {
		rec.Confidence = math.Float64frombits(r.u64())
	}
	for _, rec := range recs {
		rec.ProjectScope = r.str()
	}
	for _, rec := range recs {
		rec.SessionSource = r.str()
	}
	for _, rec := range recs {
		rec.CreatedAt = time.Unix(0, int64(r.u64())).UTC()
		rec.LastAccessedAt = rec.CreatedAt
	}
	for _, rec := range recs {
		rec.Embedding = bytesToFloat32Slice(r.next(dims * 4))
	}
	if r.err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errCorruptSegment, name, r.err)
	}
	if r.off != len(body) {
		return nil, fmt.Errorf("%w: %s: %d trailing bytes", errCorruptSegment, name, len(body)-r.off)
	}
	return &segment{name: name, dims: dims, records: recs}, nil
}

// readSegment loads and decodes a segment file from dir.
func readSegment(dir, name string) (*segment, error) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return nil, fmt.Errorf("failed to read segment %s: %w", name, err)
	}
	seg, err := decodeSegment(name, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrIntegrityViolation, err)
	}
	return seg, nil
}

// byteReader is a bounds-checked cursor; after the first short read every
// accessor returns zero values and err stays set.
type byteReader struct {
	buf []byte
	off int
	err error
}

func (r *byteReader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.buf) {
		r.err = fmt.Errorf("unexpected end of data at offset %d", r.off)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *byteReader) u8() uint8 {
	if b := r.next(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *byteReader) u16() uint16 {
	if b := r.next(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *byteReader) u32() uint32 {
	if b := r.next(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *byteReader) u64() uint64 {
	if b := r.next(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (r *byteReader) str() string {
	n := int(r.u32())
	return string(r.next(n))
}

func float32SliceToBytes(s []float32) []byte {
	const size = 4
	out := make([]byte, len(s)*size)
	for i, v := range s {
		binary.LittleEndian.PutUint32(out[i*size:(i+1)*size], math.Float32bits(v))
	}
	return out
}

func bytesToFloat32Slice(b []byte) []float32 {
	const size = 4
	out := make([]float32, len(b)/size)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*size : (i+1)*size]))
	}
	return out
}
