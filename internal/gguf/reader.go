package gguf

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"syscall"
)

// LoadFile maps a GGUF file into memory and parses headers, metadata and
// tensor infos. Tensor data stays in the mapping until Close.
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
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	file.mapped = true
	return file, nil
}

// Parse decodes a GGUF image already held in memory.
func Parse(data []byte) (*GGUFFile, error) {
	if len(data) < 24 {
		return nil, io.ErrUnexpectedEOF
	}

	file := &GGUFFile{
		Data:   data,
		KV:     make(map[string]interface{}),
		byName: make(map[string]*TensorInfo),
	}
	offset := uint64(0)

	file.Header.Magic = binary.LittleEndian.Uint32(data[offset:])
	offset += 4
	if file.Header.Magic != GGUFMagic {
		return nil, ErrInvalidMagic{Magic: file.Header.Magic}
	}

	file.Header.Version = binary.LittleEndian.Uint32(data[offset:])
	offset += 4
	if file.Header.Version < 2 || file.Header.Version > 3 {
		return nil, ErrUnsupportedVersion{Version: file.Header.Version}
	}

	file.Header.TensorCount = binary.LittleEndian.Uint64(data[offset:])
	offset += 8
	file.Header.KVCount = binary.LittleEndian.Uint64(data[offset:])
	offset += 8

	for i := uint64(0); i < file.Header.KVCount; i++ {
		k, n, err := readString(data, offset)
		if err != nil {
			return nil, fmt.Errorf("kv %d key: %w", i, err)
		}
		offset += n

		if offset+4 > uint64(len(data)) {
			return nil, io.ErrUnexpectedEOF
		}
		valType := GGUFMetadataValueType(binary.LittleEndian.Uint32(data[offset:]))
		offset += 4

		val, n, err := readValue(data, offset, valType)
		if err != nil {
			return nil, fmt.Errorf("kv %s: %w", k, err)
		}
		offset += n
		file.KV[k] = val
	}

	for i := uint64(0); i < file.Header.TensorCount; i++ {
		name, n, err := readString(data, offset)
		if err != nil {
			return nil, fmt.Errorf("tensor %d name: %w", i, err)
		}
		offset += n

		if offset+4 > uint64(len(data)) {
			return nil, io.ErrUnexpectedEOF
		}
		dims := binary.LittleEndian.Uint32(data[offset:])
		offset += 4

		if offset+uint64(dims)*8+12 > uint64(len(data)) {
			return nil, io.ErrUnexpectedEOF
		}
		dimArr := make([]uint64, dims)
		for j := range dimArr {
			dimArr[j] = binary.LittleEndian.Uint64(data[offset:])
			offset += 8
		}

		typ := GGMLType(binary.LittleEndian.Uint32(data[offset:]))
		offset += 4
		tensorOffset := binary.LittleEndian.Uint64(data[offset:])
		offset += 8

		t := &TensorInfo{
			Name:       name,
			Dimensions: dimArr,
			Type:       typ,
			Offset:     tensorOffset,
		}
		file.Tensors = append(file.Tensors, t)
		file.byName[name] = t
	}

	alignment := uint64(DefaultAlignment)
	if a, ok := file.Uint("general.alignment"); ok && a > 0 {
		alignment = a
	}
	if rem := offset % alignment; rem != 0 {
		offset += alignment - rem
	}
	file.DataOffset = offset

	for _, t := range file.Tensors {
		start := offset + t.Offset
		end := start + t.SizeBytes()
		if start > uint64(len(data)) || end > uint64(len(data)) {
			return nil, fmt.Errorf("tensor %s: offset out of bounds", t.Name)
		}
		t.Data = data[start:]
	}

	return file, nil
}

func readString(data []byte, offset uint64) (string, uint64, error) {
	if offset+8 > uint64(len(data)) {
		return "", 0, io.ErrUnexpectedEOF
	}
	length := binary.LittleEndian.Uint64(data[offset:])
	if length > uint64(len(data)) || offset+8+length > uint64(len(data)) {
		return "", 0, io.ErrUnexpectedEOF
	}
	return string(data[offset+8 : offset+8+length]), 8 + length, nil
}

func need(data []byte, offset, n uint64) error {
	if offset+n > uint64(len(data)) {
		return io.ErrUnexpectedEOF
	}
	return nil
}

func readValue(data []byte, offset uint64, typ GGUFMetadataValueType) (interface{}, uint64, error) {
	switch typ {
	case GGUFMetadataValueTypeUint8, GGUFMetadataValueTypeInt8, GGUFMetadataValueTypeBool:
		if err := need(data, offset, 1); err != nil {
			return nil, 0, err
		}
		switch typ {
		case GGUFMetadataValueTypeUint8:
			return data[offset], 1, nil
		case GGUFMetadataValueTypeInt8:
			return int8(data[offset]), 1, nil
		default:
			return data[offset] != 0, 1, nil
		}
	case GGUFMetadataValueTypeUint16, GGUFMetadataValueTypeInt16:
		if err := need(data, offset, 2); err != nil {
			return nil, 0, err
		}
		v := binary.LittleEndian.Uint16(data[offset:])
		if typ == GGUFMetadataValueTypeInt16 {
			return int16(v), 2, nil
		}
		return v, 2, nil
	case GGUFMetadataValueTypeUint32, GGUFMetadataValueTypeInt32, GGUFMetadataValueTypeFloat32:
		if err := need(data, offset, 4); err != nil {
			return nil, 0, err
		}
		v := binary.LittleEndian.Uint32(data[offset:])
		switch typ {
		case GGUFMetadataValueTypeInt32:
			return int32(v), 4, nil
		case GGUFMetadataValueTypeFloat32:
			return math.Float32frombits(v), 4, nil
		default:
			return v, 4, nil
		}
	case GGUFMetadataValueTypeUint64, GGUFMetadataValueTypeInt64, GGUFMetadataValueTypeFloat64:
		if err := need(data, offset, 8); err != nil {
			return nil, 0, err
		}
		v := binary.LittleEndian.Uint64(data[offset:])
		switch typ {
		case GGUFMetadataValueTypeInt64:
			return int64(v), 8, nil
		case GGUFMetadataValueTypeFloat64:
			return math.Float64frombits(v), 8, nil
		default:
			return v, 8, nil
		}
	case GGUFMetadataValueTypeString:
		return readString(data, offset)
	case GGUFMetadataValueTypeArray:
		if err := need(data, offset, 12); err != nil {
			return nil, 0, err
		}
		arrType := GGUFMetadataValueType(binary.LittleEndian.Uint32(data[offset:]))
		arrLen := binary.LittleEndian.Uint64(data[offset+4:])
		if arrLen > uint64(len(data)) {
			return nil, 0, io.ErrUnexpectedEOF
		}
		bytesRead := uint64(12)
		cur := offset + 12

		arr := make([]interface{}, 0, arrLen)
		for i := uint64(0); i < arrLen; i++ {
			val, n, err := readValue(data, cur, arrType)
			if err != nil {
				return nil, 0, err
			}
			arr = append(arr, val)
			cur += n
			bytesRead += n
		}
		return arr, bytesRead, nil
	default:
		return nil, 0, fmt.Errorf("unsupported metadata type: %d", typ)
	}
}

func (f *GGUFFile) Close() error {
	if !f.mapped {
		return nil
	}
	f.mapped = false
	return syscall.Munmap(f.Data)
}

// Tensor looks a tensor up by name.
func (f *GGUFFile) Tensor(name string) (*TensorInfo, bool) {
	t, ok := f.byName[name]
	return t, ok
}

// Float32s decodes an F32, F16, BF16, Q8_0, Q4_K or Q6_K tensor into a
// fresh slice.
func (f *GGUFFile) Float32s(name string) ([]float32, error) {
	t, ok := f.Tensor(name)
	if !ok {
		return nil, fmt.Errorf("tensor %s not found", name)
	}
	if err := f.checkSize(t); err != nil {
		return nil, err
	}
	n := int(t.NumElements())

	var out []float32
	var err error
	switch t.Type {
	case GGMLTypeF32:
		out = make([]float32, n)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.Data[i*4:]))
		}
	case GGMLTypeF16:
		out = make([]float32, n)
		for i := range out {
			out[i] = Float16ToFloat32(binary.LittleEndian.Uint16(t.Data[i*2:]))
		}
	case GGMLTypeBF16:
		out = make([]float32, n)
		for i := range out {
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(t.Data[i*2:])) << 16)
		}
	case GGMLTypeQ8_0:
		out, err = DequantizeQ8_0(t.Data, n)
	case GGMLTypeQ4_K:
		out, err = DequantizeQ4K(t.Data, n)
	case GGMLTypeQ6_K:
		out, err = DequantizeQ6K(t.Data, n)
	default:
		return nil, ErrUnsupportedType{Tensor: name, Type: t.Type}
	}
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	return out, nil
}

func (f *GGUFFile) checkSize(t *TensorInfo) error {
	if _, _, ok := blockLayout(t.Type); !ok {
		return ErrUnsupportedType{Tensor: t.Name, Type: t.Type}
	}
	if uint64(len(t.Data)) < t.SizeBytes() {
		return fmt.Errorf("tensor %s: %d bytes of data, %s needs %d", t.Name, len(t.Data), t.Type, t.SizeBytes())
	}
	return nil
}

// Float16ToFloat32 converts IEEE 754 half precision bits.
func Float16ToFloat32(b uint16) float32 {
	sign := uint32(b&0x8000) << 16
	exp := uint32(b&0x7C00) >> 10
	frac := uint32(b & 0x03FF)

	switch exp {
	case 0:
		if frac == 0 {
			return math.Float32frombits(sign)
		}
		v := float32(frac) / 1024 * float32(math.Pow(2, -14))
		if sign != 0 {
			v = -v
		}
		return v
	case 0x1F:
		if frac == 0 {
			return math.Float32frombits(sign | 0x7F800000)
		}
		return float32(math.NaN())
	}
	return math.Float32frombits(sign | ((exp + 112) << 23) | (frac << 13))
}
