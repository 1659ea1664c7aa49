package gguf

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"syscall"

	"github.com/23skdu/longbow-ut5/internal/logger"
)

// LoadFile maps a GGUF file into memory and parses it. Tensor data slices
// point into the mapping until Close.
func LoadFile(path string) (*GGUFFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < 24 {
		return nil, io.ErrUnexpectedEOF
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, int(info.Size()), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}

	file, err := Parse(data)
	if err != nil {
		_ = syscall.Munmap(data)
		return nil, err
	}
	file.mapped = true
	logger.Log.Debug("gguf loaded", "path", path, "version", file.Header.Version,
		"tensors", file.Header.TensorCount, "kv", file.Header.KVCount)
	return file, nil
}

// Parse decodes a GGUF v2/v3 image held in memory.
func Parse(data []byte) (*GGUFFile, error) {
	r := &byteReader{data: data}
	file := &GGUFFile{
		Data: data,
		KV:   make(map[string]interface{}),
	}

	magic, err := r.u32()
	if err != nil {
		return nil, err
	}
	if magic != GGUFMagic {
		return nil, ErrInvalidMagic{Magic: magic}
	}
	file.Header.Magic = magic

	if file.Header.Version, err = r.u32(); err != nil {
		return nil, err
	}
	if file.Header.Version < 2 || file.Header.Version > 3 {
		return nil, ErrUnsupportedVersion{Version: file.Header.Version}
	}
	if file.Header.TensorCount, err = r.u64(); err != nil {
		return nil, err
	}
	if file.Header.KVCount, err = r.u64(); err != nil {
		return nil, err
	}

	for i := uint64(0); i < file.Header.KVCount; i++ {
		key, err := r.str()
		if err != nil {
			return nil, fmt.Errorf("kv %d key: %w", i, err)
		}
		typ, err := r.u32()
		if err != nil {
			return nil, fmt.Errorf("kv %q type: %w", key, err)
		}
		val, err := r.value(GGUFMetadataValueType(typ))
		if err != nil {
			return nil, fmt.Errorf("kv %q: %w", key, err)
		}
		file.KV[key] = val
	}

	for i := uint64(0); i < file.Header.TensorCount; i++ {
		name, err := r.str()
		if err != nil {
			return nil, fmt.Errorf("tensor %d name: %w", i, err)
		}
		nDims, err := r.u32()
		if err != nil {
			return nil, err
		}
		dims := make([]uint64, nDims)
		for j := range dims {
			if dims[j], err = r.u64(); err != nil {
				return nil, err
			}
		}
		typ, err := r.u32()
		if err != nil {
			return nil, err
		}
		off, err := r.u64()
		if err != nil {
			return nil, err
		}
		file.Tensors = append(file.Tensors, &TensorInfo{
			Name:       name,
			Dimensions: dims,
			Type:       GGMLType(typ),
			Offset:     off,
		})
	}

	file.Alignment = DefaultAlignment
	if a, ok := file.GetUint("general.alignment"); ok && a > 0 {
		file.Alignment = a
	}
	file.DataOffset = alignUp(r.off, file.Alignment)

	for _, t := range file.Tensors {
		start := file.DataOffset + t.Offset
		size := t.SizeBytes()
		if size == 0 {
			// Unknown type: expose the remainder so callers can still inspect it.
			if start > uint64(len(data)) {
				return nil, fmt.Errorf("tensor %s: offset out of bounds", t.Name)
			}
			t.Data = data[start:]
			continue
		}
		if start+size > uint64(len(data)) {
			return nil, fmt.Errorf("tensor %s: %d bytes at %d exceed file size %d", t.Name, size, start, len(data))
		}
		t.Data = data[start : start+size]
	}
	return file, nil
}

func alignUp(off, alignment uint64) uint64 {
	if rem := off % alignment; rem != 0 {
		return off + alignment - rem
	}
	return off
}

// Close releases the file mapping. It is a no-op for parsed buffers.
func (f *GGUFFile) Close() error {
	if !f.mapped {
		return nil
	}
	f.mapped = false
	return syscall.Munmap(f.Data)
}

type byteReader struct {
	data []byte
	off  uint64
}

func (r *byteReader) need(n uint64) error {
	if r.off+n > uint64(len(r.data)) || r.off+n < r.off {
		return io.ErrUnexpectedEOF
	}
	return nil
}

func (r *byteReader) u8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.data[r.off]
	r.off++
	return v, nil
}

func (r *byteReader) u16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(r.data[r.off:])
	r.off += 2
	return v, nil
}

func (r *byteReader) u32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v, nil
}

func (r *byteReader) u64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.data[r.off:])
	r.off += 8
	return v, nil
}

func (r *byteReader) str() (string, error) {
	n, err := r.u64()
	if err != nil {
		return "", err
	}
	if err := r.need(n); err != nil {
		return "", err
	}
	s := string(r.data[r.off : r.off+n])
	r.off += n
	return s, nil
}

func (r *byteReader) value(typ GGUFMetadataValueType) (interface{}, error) {
	switch typ {
	case GGUFMetadataValueTypeUint8:
		return r.u8()
	case GGUFMetadataValueTypeInt8:
		v, err := r.u8()
		return int8(v), err
	case GGUFMetadataValueTypeUint16:
		return r.u16()
	case GGUFMetadataValueTypeInt16:
		v, err := r.u16()
		return int16(v), err
	case GGUFMetadataValueTypeUint32:
		return r.u32()
	case GGUFMetadataValueTypeInt32:
		v, err := r.u32()
		return int32(v), err
	case GGUFMetadataValueTypeFloat32:
		v, err := r.u32()
		return math.Float32frombits(v), err
	case GGUFMetadataValueTypeBool:
		v, err := r.u8()
		return v != 0, err
	case GGUFMetadataValueTypeString:
		return r.str()
	case GGUFMetadataValueTypeArray:
		elemType, err := r.u32()
		if err != nil {
			return nil, err
		}
		n, err := r.u64()
		if err != nil {
			return nil, err
		}
		// Every element takes at least one byte.
		if err := r.need(n); err != nil {
			return nil, err
		}
		arr := make([]interface{}, 0, n)
		for i := uint64(0); i < n; i++ {
			v, err := r.value(GGUFMetadataValueType(elemType))
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		return arr, nil
	case GGUFMetadataValueTypeUint64:
		return r.u64()
	case GGUFMetadataValueTypeInt64:
		v, err := r.u64()
		return int64(v), err
	case GGUFMetadataValueTypeFloat64:
		v, err := r.u64()
		return math.Float64frombits(v), err
	default:
		return nil, fmt.Errorf("unsupported metadata type: %d", typ)
	}
}
