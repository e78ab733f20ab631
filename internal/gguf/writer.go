package gguf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

type kvEntry struct {
	key   string
	typ   GGUFMetadataValueType
	value interface{}
}

type tensorEntry struct {
	name string
	dims []uint64
	typ  GGMLType
	data []byte
}

// Writer builds a GGUF v3 file. It is used to export SAE weights as F32 and
// to produce small checkpoints, including pre-quantized tensors.
type Writer struct {
	kv      []kvEntry
	tensors []tensorEntry
}

func NewWriter() *Writer {
	return &Writer{}
}

func (w *Writer) AddString(key, value string) {
	w.kv = append(w.kv, kvEntry{key, GGUFMetadataValueTypeString, value})
}

func (w *Writer) AddUint32(key string, value uint32) {
	w.kv = append(w.kv, kvEntry{key, GGUFMetadataValueTypeUint32, value})
}

func (w *Writer) AddFloat32(key string, value float32) {
	w.kv = append(w.kv, kvEntry{key, GGUFMetadataValueTypeFloat32, value})
}

func (w *Writer) AddBool(key string, value bool) {
	w.kv = append(w.kv, kvEntry{key, GGUFMetadataValueTypeBool, value})
}

func (w *Writer) AddStrings(key string, values []string) {
	w.kv = append(w.kv, kvEntry{key, GGUFMetadataValueTypeArray, values})
}

// AddTensor adds an F32 tensor; dims are innermost first, as GGUF stores them.
func (w *Writer) AddTensor(name string, dims []uint64, data []float32) error {
	n := uint64(1)
	for _, d := range dims {
		n *= d
	}
	if n != uint64(len(data)) {
		return fmt.Errorf("tensor %s: dims %v need %d values, got %d", name, dims, n, len(data))
	}
	raw := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}
	w.tensors = append(w.tensors, tensorEntry{name, dims, GGMLTypeF32, raw})
	return nil
}

// AddRawTensor adds already encoded data of type typ.
func (w *Writer) AddRawTensor(name string, dims []uint64, typ GGMLType, data []byte) error {
	t := TensorInfo{Name: name, Dimensions: dims, Type: typ}
	size := t.SizeBytes()
	if size == 0 {
		return ErrUnsupportedType{Tensor: name, Type: typ}
	}
	if size != uint64(len(data)) {
		return fmt.Errorf("tensor %s: %s dims %v need %d bytes, got %d", name, typ, dims, size, len(data))
	}
	w.tensors = append(w.tensors, tensorEntry{name, dims, typ, data})
	return nil
}

func (w *Writer) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := w.WriteTo(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

type countingWriter struct {
	w *bufio.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func (c *countingWriter) put(v interface{}) error {
	return binary.Write(c, binary.LittleEndian, v)
}

func (c *countingWriter) putString(s string) error {
	if err := c.put(uint64(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(c, s)
	return err
}

func (c *countingWriter) pad(alignment int64) error {
	if rem := c.n % alignment; rem != 0 {
		_, err := c.Write(make([]byte, alignment-rem))
		return err
	}
	return nil
}

func (w *Writer) WriteTo(dst io.Writer) (int64, error) {
	c := &countingWriter{w: bufio.NewWriter(dst)}

	header := []interface{}{
		uint32(GGUFMagic), uint32(GGUFVersion),
		uint64(len(w.tensors)), uint64(len(w.kv)),
	}
	for _, v := range header {
		if err := c.put(v); err != nil {
			return c.n, err
		}
	}

	for _, e := range w.kv {
		if err := c.putString(e.key); err != nil {
			return c.n, err
		}
		if err := c.put(uint32(e.typ)); err != nil {
			return c.n, err
		}
		var err error
		switch v := e.value.(type) {
		case string:
			err = c.putString(v)
		case []string:
			if err = c.put(uint32(GGUFMetadataValueTypeString)); err == nil {
				if err = c.put(uint64(len(v))); err == nil {
					for _, s := range v {
						if err = c.putString(s); err != nil {
							break
						}
					}
				}
			}
		case bool:
			b := uint8(0)
			if v {
				b = 1
			}
			err = c.put(b)
		default:
			err = c.put(v)
		}
		if err != nil {
			return c.n, err
		}
	}

	offsets := make([]uint64, len(w.tensors))
	var dataSize uint64
	for i, t := range w.tensors {
		offsets[i] = dataSize
		dataSize += uint64(len(t.data))
		if rem := dataSize % DefaultAlignment; rem != 0 {
			dataSize += DefaultAlignment - rem
		}
	}

	for i, t := range w.tensors {
		if err := c.putString(t.name); err != nil {
			return c.n, err
		}
		if err := c.put(uint32(len(t.dims))); err != nil {
			return c.n, err
		}
		for _, d := range t.dims {
			if err := c.put(d); err != nil {
				return c.n, err
			}
		}
		if err := c.put(uint32(t.typ)); err != nil {
			return c.n, err
		}
		if err := c.put(offsets[i]); err != nil {
			return c.n, err
		}
	}

	if err := c.pad(DefaultAlignment); err != nil {
		return c.n, err
	}

	for _, t := range w.tensors {
		if _, err := c.Write(t.data); err != nil {
			return c.n, err
		}
		if err := c.pad(DefaultAlignment); err != nil {
			return c.n, err
		}
	}

	return c.n, c.w.Flush()
}
