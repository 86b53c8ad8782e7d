// Package conv decodes raw GATT characteristic octets into typed values.
//
// Integer converters follow the GATT Specification Supplement fixed-point
// form: the decoded integer n is rescaled as m * n * 10^d * 2^b.
package conv

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// Decode errors. Sessions drop the offending sample and count it; nothing
// here is fatal.
var (
	ErrShortRead = errors.New("value shorter than converter length")
	ErrBadUtf8   = errors.New("value is not valid utf-8")
	ErrBadFloat  = errors.New("non-finite float value")
	ErrBadTag    = errors.New("unknown converter tag")
)

// ConverterKind enumerates the supported converter variants.
type ConverterKind int

const (
	ConverterRaw ConverterKind = iota
	ConverterUtf8
	ConverterF32
	ConverterF64
	ConverterSigned
	ConverterUnsigned
)

// Converter describes how raw octets become a typed value. The zero value is
// the Raw pass-through, which is also the configuration default.
type Converter struct {
	Kind ConverterKind

	// Integer variants only.
	L int // octet length, 1..8
	M int // multiplier
	D int // decimal exponent, may be negative
	B int // binary exponent, may be negative
}

func (c Converter) String() string {
	switch c.Kind {
	case ConverterUtf8:
		return "Utf8"
	case ConverterF32:
		return "F32"
	case ConverterF64:
		return "F64"
	case ConverterSigned:
		return fmt.Sprintf("Signed[%d](%d %d %d)", c.L, c.M, c.D, c.B)
	case ConverterUnsigned:
		return fmt.Sprintf("Unsigned[%d](%d %d %d)", c.L, c.M, c.D, c.B)
	default:
		return "Raw"
	}
}

// integerSpec mirrors the YAML shape of the Signed/Unsigned variants.
type integerSpec struct {
	L int `yaml:"l"`
	M int `yaml:"m"`
	D int `yaml:"d"`
	B int `yaml:"b"`
}

// UnmarshalYAML decodes the tagged representation used in configuration:
// scalar tags !Raw, !Utf8, !F32, !F64 and mapping tags
// !Signed {l, m, d, b} / !Unsigned {l, m, d, b}.
func (c *Converter) UnmarshalYAML(node *yaml.Node) error {
	switch node.Tag {
	case "!Raw":
		c.Kind = ConverterRaw
	case "!Utf8":
		c.Kind = ConverterUtf8
	case "!F32":
		c.Kind = ConverterF32
	case "!F64":
		c.Kind = ConverterF64
	case "!Signed", "!Unsigned":
		var spec integerSpec
		if err := node.Decode(&spec); err != nil {
			return fmt.Errorf("converter %s: %w", node.Tag, err)
		}
		c.Kind = ConverterSigned
		if node.Tag == "!Unsigned" {
			c.Kind = ConverterUnsigned
		}
		c.L, c.M, c.D, c.B = spec.L, spec.M, spec.D, spec.B
	default:
		return fmt.Errorf("%w: %q", ErrBadTag, node.Tag)
	}
	return nil
}

// Validate rejects converter specs that can never decode anything.
func (c Converter) Validate() error {
	if c.Kind == ConverterSigned || c.Kind == ConverterUnsigned {
		if c.L < 1 || c.L > 8 {
			return fmt.Errorf("integer converter length must be 1..8, got %d", c.L)
		}
		if c.M == 0 {
			return fmt.Errorf("integer converter multiplier must not be zero")
		}
	}
	return nil
}

// Decode converts raw octets according to the converter spec. It is pure and
// never blocks; the only failures are the documented decode errors.
func (c Converter) Decode(b []byte) (Value, error) {
	switch c.Kind {
	case ConverterRaw:
		return Raw(b), nil

	case ConverterUtf8:
		if !utf8.Valid(b) {
			return Value{}, ErrBadUtf8
		}
		return Text(string(b)), nil

	case ConverterF32:
		if len(b) < 4 {
			return Value{}, fmt.Errorf("%w: F32 needs 4 octets, got %d", ErrShortRead, len(b))
		}
		bits := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
		f := float64(math.Float32frombits(bits))
		r := new(big.Rat).SetFloat64(f)
		if r == nil {
			return Value{}, ErrBadFloat
		}
		return Numeric(r), nil

	case ConverterF64:
		if len(b) < 8 {
			return Value{}, fmt.Errorf("%w: F64 needs 8 octets, got %d", ErrShortRead, len(b))
		}
		var bits uint64
		for i := 0; i < 8; i++ {
			bits |= uint64(b[i]) << (8 * i)
		}
		r := new(big.Rat).SetFloat64(math.Float64frombits(bits))
		if r == nil {
			return Value{}, ErrBadFloat
		}
		return Numeric(r), nil

	case ConverterSigned, ConverterUnsigned:
		if len(b) < c.L {
			return Value{}, fmt.Errorf("%w: need %d octets, got %d", ErrShortRead, c.L, len(b))
		}
		n := c.decodeInt(b[:c.L])
		return Numeric(c.scale(n)), nil

	default:
		return Value{}, fmt.Errorf("%w: kind %d", ErrBadTag, c.Kind)
	}
}

// decodeInt interprets octets as a little-endian integer, two's-complement
// for the signed variant.
func (c Converter) decodeInt(b []byte) *big.Int {
	// big.Int wants big-endian magnitude.
	be := make([]byte, len(b))
	for i, o := range b {
		be[len(b)-1-i] = o
	}
	n := new(big.Int).SetBytes(be)
	if c.Kind == ConverterSigned && len(b) > 0 && b[len(b)-1]&0x80 != 0 {
		// Negative: subtract 2^(8l).
		wrap := new(big.Int).Lsh(big.NewInt(1), uint(8*len(b)))
		n.Sub(n, wrap)
	}
	return n
}

// scale applies m * n * 10^d * 2^b without losing precision.
func (c Converter) scale(n *big.Int) *big.Rat {
	r := new(big.Rat).SetInt(n)
	r.Mul(r, new(big.Rat).SetInt64(int64(c.M)))

	if c.D != 0 {
		pow := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(abs(c.D))), nil)
		if c.D > 0 {
			r.Mul(r, new(big.Rat).SetInt(pow))
		} else {
			r.Mul(r, new(big.Rat).SetFrac(big.NewInt(1), pow))
		}
	}
	if c.B != 0 {
		pow := new(big.Int).Lsh(big.NewInt(1), uint(abs(c.B)))
		if c.B > 0 {
			r.Mul(r, new(big.Rat).SetInt(pow))
		} else {
			r.Mul(r, new(big.Rat).SetFrac(big.NewInt(1), pow))
		}
	}
	return r
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
