package gguf

import (
	"encoding/binary"
	"fmt"
)

// Block geometry of the quantized types Float32s decodes.
const (
	BlockSizeQ8_0 = 32
	BlockSizeQ4K  = 256
	BlockSizeQ6K  = 256

	blockBytesQ8_0 = 2 + 32           // d, qs
	blockBytesQ4K  = 2 + 2 + 12 + 128 // d, dmin, scales, qs
	blockBytesQ6K  = 128 + 64 + 16 + 2
)

// blockLayout returns weights per block and bytes per block, or ok=false
// for types without a decoder here.
func blockLayout(t GGMLType) (weights, bytes uint64, ok bool) {
	switch t {
	case GGMLTypeF32:
		return 1, 4, true
	case GGMLTypeF16, GGMLTypeBF16:
		return 1, 2, true
	case GGMLTypeQ8_0:
		return BlockSizeQ8_0, blockBytesQ8_0, true
	case GGMLTypeQ4_K:
		return BlockSizeQ4K, blockBytesQ4K, true
	case GGMLTypeQ6_K:
		return BlockSizeQ6K, blockBytesQ6K, true
	}
	return 0, 0, false
}

func checkBlocks(data []byte, n, blockWeights, blockBytes int) (int, error) {
	if n%blockWeights != 0 {
		return 0, fmt.Errorf("%d elements is not a multiple of the %d-weight block", n, blockWeights)
	}
	blocks := n / blockWeights
	if len(data) < blocks*blockBytes {
		return 0, fmt.Errorf("need %d bytes for %d blocks, have %d", blocks*blockBytes, blocks, len(data))
	}
	return blocks, nil
}

// DequantizeQ8_0 decodes blocks of one f16 scale and 32 int8 quants.
func DequantizeQ8_0(data []byte, n int) ([]float32, error) {
	blocks, err := checkBlocks(data, n, BlockSizeQ8_0, blockBytesQ8_0)
	if err != nil {
		return nil, err
	}
	out := make([]float32, n)
	for i := 0; i < blocks; i++ {
		b := data[i*blockBytesQ8_0 : (i+1)*blockBytesQ8_0]
		d := Float16ToFloat32(binary.LittleEndian.Uint16(b))
		y := out[i*BlockSizeQ8_0:]
		for j, q := range b[2:] {
			y[j] = d * float32(int8(q))
		}
	}
	return out, nil
}

// scaleMinK4 unpacks the j-th 6-bit scale and min of a Q4_K block.
func scaleMinK4(j int, q []byte) (sc, m uint8) {
	if j < 4 {
		return q[j] & 63, q[j+4] & 63
	}
	return (q[j+4] & 0xF) | ((q[j-4] >> 6) << 4), (q[j+4] >> 4) | ((q[j] >> 6) << 4)
}

// DequantizeQ4K decodes 256-weight super-blocks. Each 64-weight chunk
// shares 32 bytes of qs: low nibbles give its first 32 weights, high
// nibbles the next 32, each half with its own scale and min.
func DequantizeQ4K(data []byte, n int) ([]float32, error) {
	blocks, err := checkBlocks(data, n, BlockSizeQ4K, blockBytesQ4K)
	if err != nil {
		return nil, err
	}
	out := make([]float32, n)
	for i := 0; i < blocks; i++ {
		b := data[i*blockBytesQ4K : (i+1)*blockBytesQ4K]
		d := Float16ToFloat32(binary.LittleEndian.Uint16(b[0:]))
		dmin := Float16ToFloat32(binary.LittleEndian.Uint16(b[2:]))
		scales, qs := b[4:16], b[16:]
		y := out[i*BlockSizeQ4K:]

		for c := 0; c < 4; c++ {
			sc1, m1 := scaleMinK4(2*c, scales)
			sc2, m2 := scaleMinK4(2*c+1, scales)
			d1, min1 := d*float32(sc1), dmin*float32(m1)
			d2, min2 := d*float32(sc2), dmin*float32(m2)
			q := qs[c*32 : (c+1)*32]
			for l := 0; l < 32; l++ {
				y[c*64+l] = d1*float32(q[l]&0xF) - min1
				y[c*64+32+l] = d2*float32(q[l]>>4) - min2
			}
		}
	}
	return out, nil
}

// DequantizeQ6K decodes 256-weight super-blocks of 4-bit low quants, 2-bit
// high quants and 16 int8 scales, processed as two 128-weight halves.
func DequantizeQ6K(data []byte, n int) ([]float32, error) {
	blocks, err := checkBlocks(data, n, BlockSizeQ6K, blockBytesQ6K)
	if err != nil {
		return nil, err
	}
	out := make([]float32, n)
	for i := 0; i < blocks; i++ {
		b := data[i*blockBytesQ6K : (i+1)*blockBytesQ6K]
		ql, qh, sc := b[0:128], b[128:192], b[192:208]
		d := Float16ToFloat32(binary.LittleEndian.Uint16(b[208:]))
		y := out[i*BlockSizeQ6K:]

		for h := 0; h < 2; h++ {
			l0, h0, s0, y0 := ql[h*64:], qh[h*32:], sc[h*8:], y[h*128:]
			for l := 0; l < 32; l++ {
				is := l / 16
				q1 := int8((l0[l]&0xF)|((h0[l]>>0)&3)<<4) - 32
				q2 := int8((l0[l+32]&0xF)|((h0[l]>>2)&3)<<4) - 32
				q3 := int8((l0[l]>>4)|((h0[l]>>4)&3)<<4) - 32
				q4 := int8((l0[l+32]>>4)|((h0[l]>>6)&3)<<4) - 32
				y0[l] = d * float32(int8(s0[is])) * float32(q1)
				y0[l+32] = d * float32(int8(s0[is+2])) * float32(q2)
				y0[l+64] = d * float32(int8(s0[is+4])) * float32(q3)
				y0[l+96] = d * float32(int8(s0[is+6])) * float32(q4)
			}
		}
	}
	return out, nil
}
