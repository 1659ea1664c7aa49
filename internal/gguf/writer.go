package gguf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/23skdu/longbow-ut5/internal/dtype"
)

// Writer assembles a GGUF v3 file in memory. Tensors are written in the
// order they were added.
type Writer struct {
	keys    []string
	values  map[string]interface{}
	tensors []*TensorInfo
	offset  uint64
}

func NewWriter() *Writer {
	return &Writer{values: make(map[string]interface{})}
}

// Set records a metadata value. Supported Go types are string, bool,
// uint8, uint32, int32, uint64, int64, float32, float64, []string,
// []float32 and []int32. Setting an existing key replaces its value.
func (w *Writer) Set(key string, value interface{}) error {
	switch value.(type) {
	case string, bool, uint8, uint32, int32, uint64, int64, float32, float64,
		[]string, []float32, []int32:
	default:
		return fmt.Errorf("gguf: unsupported metadata type %T for %q", value, key)
	}
	if _, ok := w.values[key]; !ok {
		w.keys = append(w.keys, key)
	}
	w.values[key] = value
	return nil
}

// AddTensor encodes data with the given row-major shape as typ.
func (w *Writer) AddTensor(name string, shape []int, typ GGMLType, data []float32) error {
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return fmt.Errorf("tensor %s: invalid shape %v", name, shape)
		}
		n *= d
	}
	if n != len(data) {
		return fmt.Errorf("tensor %s: shape %v needs %d values, got %d", name, shape, n, len(data))
	}
	for _, t := range w.tensors {
		if t.Name == name {
			return fmt.Errorf("tensor %s: duplicate name", name)
		}
	}

	var payload []byte
	var err error
	switch typ {
	case GGMLTypeF32:
		payload, err = dtype.Encode(dtype.Float32, data)
	case GGMLTypeF16:
		payload, err = dtype.Encode(dtype.Float16, data)
	case GGMLTypeBF16:
		payload, err = dtype.Encode(dtype.BFloat16, data)
	case GGMLTypeQ8_0:
		if len(shape) == 0 || shape[len(shape)-1]%BlockSizeQ8_0 != 0 {
			return fmt.Errorf("tensor %s: Q8_0 rows must be a multiple of %d, shape %v", name, BlockSizeQ8_0, shape)
		}
		payload = QuantizeQ8_0(data)
	default:
		return fmt.Errorf("tensor %s: encoding %s is not supported", name, typ)
	}
	if err != nil {
		return err
	}

	dims := make([]uint64, len(shape))
	for i, d := range shape {
		dims[len(shape)-1-i] = uint64(d)
	}
	w.tensors = append(w.tensors, &TensorInfo{
		Name:       name,
		Dimensions: dims,
		Type:       typ,
		Offset:     w.offset,
		Data:       payload,
	})
	w.offset = alignUp(w.offset+uint64(len(payload)), DefaultAlignment)
	return nil
}

// Bytes renders the complete file.
func (w *Writer) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	le := func(v interface{}) {
		_ = binary.Write(&buf, binary.LittleEndian, v)
	}
	str := func(s string) {
		le(uint64(len(s)))
		buf.WriteString(s)
	}

	le(uint32(GGUFMagic))
	le(uint32(GGUFVersion))
	le(uint64(len(w.tensors)))
	le(uint64(len(w.keys)))

	for _, key := range w.keys {
		str(key)
		switch v := w.values[key].(type) {
		case string:
			le(uint32(GGUFMetadataValueTypeString))
			str(v)
		case bool:
			le(uint32(GGUFMetadataValueTypeBool))
			var b uint8
			if v {
				b = 1
			}
			le(b)
		case uint8:
			le(uint32(GGUFMetadataValueTypeUint8))
			le(v)
		case uint32:
			le(uint32(GGUFMetadataValueTypeUint32))
			le(v)
		case int32:
			le(uint32(GGUFMetadataValueTypeInt32))
			le(v)
		case uint64:
			le(uint32(GGUFMetadataValueTypeUint64))
			le(v)
		case int64:
			le(uint32(GGUFMetadataValueTypeInt64))
			le(v)
		case float32:
			le(uint32(GGUFMetadataValueTypeFloat32))
			le(math.Float32bits(v))
		case float64:
			le(uint32(GGUFMetadataValueTypeFloat64))
			le(math.Float64bits(v))
		case []string:
			le(uint32(GGUFMetadataValueTypeArray))
			le(uint32(GGUFMetadataValueTypeString))
			le(uint64(len(v)))
			for _, s := range v {
				str(s)
			}
		case []float32:
			le(uint32(GGUFMetadataValueTypeArray))
			le(uint32(GGUFMetadataValueTypeFloat32))
			le(uint64(len(v)))
			le(v)
		case []int32:
			le(uint32(GGUFMetadataValueTypeArray))
			le(uint32(GGUFMetadataValueTypeInt32))
			le(uint64(len(v)))
			le(v)
		default:
			return nil, fmt.Errorf("gguf: unsupported metadata type %T for %q", v, key)
		}
	}

	for _, t := range w.tensors {
		str(t.Name)
		le(uint32(len(t.Dimensions)))
		for _, d := range t.Dimensions {
			le(d)
		}
		le(uint32(t.Type))
		le(t.Offset)
	}

	pad := func(to uint64) {
		for uint64(buf.Len()) < to {
			buf.WriteByte(0)
		}
	}
	dataStart := alignUp(uint64(buf.Len()), DefaultAlignment)
	pad(dataStart)
	for _, t := range w.tensors {
		pad(dataStart + t.Offset)
		buf.Write(t.Data)
	}
	pad(alignUp(uint64(buf.Len()), DefaultAlignment))
	return buf.Bytes(), nil
}

// WriteTo implements io.WriterTo.
func (w *Writer) WriteTo(out io.Writer) (int64, error) {
	b, err := w.Bytes()
	if err != nil {
		return 0, err
	}
	n, err := out.Write(b)
	return int64(n), err
}

// WriteFile writes the file to path, replacing any existing file.
func (w *Writer) WriteFile(path string) error {
	b, err := w.Bytes()
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
