// Package safetensors implements read-only access to safetensors files,
// the serialization format used by fine-tuned weight bundles. A file is an
// 8 byte little-endian header length, a JSON header mapping tensor names to
// {dtype, shape, data_offsets}, then a flat byte buffer.
package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// TensorRecord describes a single tensor in a safetensors file: its
// hierarchical dotted name, dtype and shape, and where its bytes live in
// the data section.
type TensorRecord struct {
	Name  string
	DType string
	Shape []int

	start, end uint64
}

// Elements returns the number of scalar elements in the tensor.
func (t TensorRecord) Elements() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

type headerEntry struct {
	DType       string    `json:"dtype"`
	Shape       []int     `json:"shape"`
	DataOffsets [2]uint64 `json:"data_offsets"`
}

// File is an open safetensors file. The header is parsed eagerly; tensor
// data is read on demand.
type File struct {
	f          *os.File
	dataOffset int64
	dataSize   int64
	records    []TensorRecord
	byName     map[string]TensorRecord
}

// Open parses the header of the safetensors file at path.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	var headerSize uint64
	if err := binary.Read(f, binary.LittleEndian, &headerSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("reading header size: %w", err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	if headerSize > uint64(fi.Size()) {
		f.Close()
		return nil, fmt.Errorf("header size %d exceeds file size %d", headerSize, fi.Size())
	}

	bts := make([]byte, headerSize)
	if _, err := io.ReadFull(f, bts); err != nil {
		f.Close()
		return nil, fmt.Errorf("reading header: %w", err)
	}

	var header map[string]json.RawMessage
	if err := json.Unmarshal(bts, &header); err != nil {
		f.Close()
		return nil, fmt.Errorf("parsing header: %w", err)
	}

	st := &File{
		f:          f,
		dataOffset: int64(8 + headerSize),
		dataSize:   fi.Size() - int64(8+headerSize),
		byName:     make(map[string]TensorRecord, len(header)),
	}

	for name, raw := range header {
		if name == "__metadata__" {
			continue
		}

		var e headerEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			f.Close()
			return nil, fmt.Errorf("parsing header entry %q: %w", name, err)
		}

		rec := TensorRecord{
			Name:  name,
			DType: e.DType,
			Shape: e.Shape,
			start: e.DataOffsets[0],
			end:   e.DataOffsets[1],
		}

		if rec.start > rec.end || rec.end > uint64(st.dataSize) {
			f.Close()
			return nil, fmt.Errorf("tensor %q: data offsets [%d, %d) out of range", name, rec.start, rec.end)
		}

		st.records = append(st.records, rec)
		st.byName[name] = rec
	}

	slices.SortFunc(st.records, func(a, b TensorRecord) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		default:
			return 0
		}
	})

	return st, nil
}

func (st *File) Close() error {
	return st.f.Close()
}

// Tensors returns every tensor record, sorted by name.
func (st *File) Tensors() []TensorRecord {
	return st.records
}

// Lookup returns the record for name, if present.
func (st *File) Lookup(name string) (TensorRecord, bool) {
	rec, ok := st.byName[name]
	return rec, ok
}

// Read decodes the values of a single tensor to float32.
func (st *File) Read(rec TensorRecord) ([]float32, error) {
	bts := make([]byte, rec.end-rec.start)
	if _, err := st.f.ReadAt(bts, st.dataOffset+int64(rec.start)); err != nil {
		return nil, fmt.Errorf("tensor %q: %w", rec.Name, err)
	}

	n := rec.Elements()
	switch rec.DType {
	case "F32":
		if len(bts) != n*4 {
			return nil, fmt.Errorf("tensor %q: have %d bytes, want %d", rec.Name, len(bts), n*4)
		}
		f32s := make([]float32, n)
		for i := range f32s {
			f32s[i] = math.Float32frombits(binary.LittleEndian.Uint32(bts[i*4:]))
		}
		return f32s, nil
	case "F16":
		if len(bts) != n*2 {
			return nil, fmt.Errorf("tensor %q: have %d bytes, want %d", rec.Name, len(bts), n*2)
		}
		f32s := make([]float32, n)
		for i := range f32s {
			f32s[i] = float16.Frombits(binary.LittleEndian.Uint16(bts[i*2:])).Float32()
		}
		return f32s, nil
	case "BF16":
		if len(bts) != n*2 {
			return nil, fmt.Errorf("tensor %q: have %d bytes, want %d", rec.Name, len(bts), n*2)
		}
		return bfloat16.DecodeFloat32(bts), nil
	case "F64":
		if len(bts) != n*8 {
			return nil, fmt.Errorf("tensor %q: have %d bytes, want %d", rec.Name, len(bts), n*8)
		}
		f32s := make([]float32, n)
		for i := range f32s {
			f32s[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(bts[i*8:])))
		}
		return f32s, nil
	default:
		return nil, fmt.Errorf("tensor %q: unsupported dtype %q", rec.Name, rec.DType)
	}
}

// ReadAll decodes every tensor in the file.
func (st *File) ReadAll() (map[string][]float32, error) {
	values := make(map[string][]float32, len(st.records))
	for _, rec := range st.records {
		f32s, err := st.Read(rec)
		if err != nil {
			return nil, err
		}
		values[rec.Name] = f32s
	}
	return values, nil
}
