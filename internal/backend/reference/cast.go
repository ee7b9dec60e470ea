package reference

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/seantiz/npurt/internal/quant"
	"github.com/seantiz/npurt/internal/tensor"
)

// identity is used for integer tensors that carry no quantization metadata.
var identity = quant.Params{Scale: 1, RoundingMode: quant.RoundToNearestEven}

// decode reads n little-endian elements of dt from data as real values.
func decode(dt tensor.DataType, data []byte, n int, q *quant.Params) ([]float32, error) {
	if need := n * dt.ElementSize(); len(data) < need {
		return nil, fmt.Errorf("decode %s: have %d bytes, need %d", dt, len(data), need)
	}
	p := identity
	if q != nil {
		p = *q
	}

	out := make([]float32, n)
	switch dt {
	case tensor.DataTypeFloat32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
		}
	case tensor.DataTypeFP16:
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(data[2*i:])).Float32()
		}
	case tensor.DataTypeBF16:
		copy(out, bfloat16.DecodeFloat32(data[:2*n]))
	case tensor.DataTypeInt8:
		for i := range out {
			out[i] = p.Dequantize(int64(int8(data[i])))
		}
	case tensor.DataTypeUint8:
		for i := range out {
			out[i] = p.Dequantize(int64(data[i]))
		}
	case tensor.DataTypeInt16:
		for i := range out {
			out[i] = p.Dequantize(int64(int16(binary.LittleEndian.Uint16(data[2*i:]))))
		}
	case tensor.DataTypeUint16:
		for i := range out {
			out[i] = p.Dequantize(int64(binary.LittleEndian.Uint16(data[2*i:])))
		}
	default:
		return nil, fmt.Errorf("decode: unsupported data type %s", dt)
	}
	return out, nil
}

// encode writes vals into dst as little-endian elements of dt.
func encode(dt tensor.DataType, vals []float32, dst []byte, q *quant.Params) error {
	if need := len(vals) * dt.ElementSize(); len(dst) < need {
		return fmt.Errorf("encode %s: have %d bytes, need %d", dt, len(dst), need)
	}
	p := identity
	if q != nil {
		p = *q
	}

	switch dt {
	case tensor.DataTypeFloat32:
		for i, v := range vals {
			binary.LittleEndian.PutUint32(dst[4*i:], math.Float32bits(v))
		}
	case tensor.DataTypeFP16:
		for i, v := range vals {
			binary.LittleEndian.PutUint16(dst[2*i:], float16.Fromfloat32(v).Bits())
		}
	case tensor.DataTypeBF16:
		copy(dst, bfloat16.EncodeFloat32(vals))
	case tensor.DataTypeInt8:
		for i, v := range vals {
			dst[i] = byte(int8(p.Quantize(v, math.MinInt8, math.MaxInt8)))
		}
	case tensor.DataTypeUint8:
		for i, v := range vals {
			dst[i] = byte(p.Quantize(v, 0, math.MaxUint8))
		}
	case tensor.DataTypeInt16:
		for i, v := range vals {
			binary.LittleEndian.PutUint16(dst[2*i:], uint16(int16(p.Quantize(v, math.MinInt16, math.MaxInt16))))
		}
	case tensor.DataTypeUint16:
		for i, v := range vals {
			binary.LittleEndian.PutUint16(dst[2*i:], uint16(p.Quantize(v, 0, math.MaxUint16)))
		}
	default:
		return fmt.Errorf("encode: unsupported data type %s", dt)
	}
	return nil
}
