package conv

import (
	"encoding/binary"
	"math"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestSignedDecimalScaling(t *testing.T) {
	// 0xFFE7 = -25 as i16; -25 * 10^-2 = -0.25
	c := Converter{Kind: ConverterSigned, L: 2, M: 1, D: -2, B: 0}

	v, err := c.Decode([]byte{0xE7, 0xFF})
	require.NoError(t, err)
	require.True(t, v.IsNumeric())
	assert.Equal(t, 0, v.Rat().Cmp(big.NewRat(-25, 100)))
}

func TestUnsignedBinaryScaling(t *testing.T) {
	// little-endian 0xC0 0x0C = 3264; 3264 * 2^-6
	c := Converter{Kind: ConverterUnsigned, L: 2, M: 1, D: 0, B: -6}

	v, err := c.Decode([]byte{0xC0, 0x0C})
	require.NoError(t, err)
	assert.Equal(t, 0, v.Rat().Cmp(big.NewRat(3264, 64)))
}

func TestUnsignedIdentityRoundTrip(t *testing.T) {
	c := Converter{Kind: ConverterUnsigned, L: 4, M: 1, D: 0, B: 0}

	for _, n := range []uint32{0, 1, 255, 256, 65535, 1 << 24, math.MaxUint32} {
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, n)

		v, err := c.Decode(buf)
		require.NoError(t, err)
		require.True(t, v.Rat().IsInt())
		assert.Equal(t, uint64(n), v.Rat().Num().Uint64())
	}
}

func TestSignedEightOctets(t *testing.T) {
	c := Converter{Kind: ConverterSigned, L: 8, M: 1, D: 0, B: 0}

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, math.MaxUint64) // -1 as i64

	v, err := c.Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, 0, v.Rat().Cmp(big.NewRat(-1, 1)))
}

func TestShortRead(t *testing.T) {
	c := Converter{Kind: ConverterUnsigned, L: 4, M: 1}

	_, err := c.Decode([]byte{0x01, 0x02})
	assert.ErrorIs(t, err, ErrShortRead)
}

func TestUtf8(t *testing.T) {
	c := Converter{Kind: ConverterUtf8}

	v, err := c.Decode([]byte("Sensor Hub"))
	require.NoError(t, err)
	assert.Equal(t, "Sensor Hub", v.Text())

	_, err = c.Decode([]byte{0xFF, 0xFE, 0xFD})
	assert.ErrorIs(t, err, ErrBadUtf8)
}

func TestF32(t *testing.T) {
	c := Converter{Kind: ConverterF32}

	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, math.Float32bits(-12.5))

	v, err := c.Decode(buf)
	require.NoError(t, err)
	f, ok := v.Float64()
	require.True(t, ok)
	assert.InDelta(t, -12.5, f, 1e-9)

	_, err = c.Decode(buf[:3])
	assert.ErrorIs(t, err, ErrShortRead)
}

func TestF64(t *testing.T) {
	c := Converter{Kind: ConverterF64}

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, math.Float64bits(273.15))

	v, err := c.Decode(buf)
	require.NoError(t, err)
	f, ok := v.Float64()
	require.True(t, ok)
	assert.InDelta(t, 273.15, f, 1e-12)
}

func TestRawPassThrough(t *testing.T) {
	var c Converter // zero value is Raw

	v, err := c.Decode([]byte{0xDE, 0xAD})
	require.NoError(t, err)
	assert.Equal(t, []byte{0xDE, 0xAD}, v.RawBytes())
	assert.False(t, v.IsNumeric())
}

func TestYAMLTags(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Converter
	}{
		{
			name: "utf8 scalar tag",
			in:   "!Utf8",
			want: Converter{Kind: ConverterUtf8},
		},
		{
			name: "f32 scalar tag",
			in:   "!F32",
			want: Converter{Kind: ConverterF32},
		},
		{
			name: "signed mapping tag",
			in:   "!Signed {l: 2, m: 1, d: -2, b: 0}",
			want: Converter{Kind: ConverterSigned, L: 2, M: 1, D: -2},
		},
		{
			name: "unsigned mapping tag",
			in:   "!Unsigned {l: 4, m: 3, d: 0, b: -6}",
			want: Converter{Kind: ConverterUnsigned, L: 4, M: 3, B: -6},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c Converter
			require.NoError(t, yaml.Unmarshal([]byte(tt.in), &c))
			assert.Equal(t, tt.want, c)
		})
	}

	var c Converter
	err := yaml.Unmarshal([]byte("!Complex {re: 1, im: 2}"), &c)
	assert.ErrorIs(t, err, ErrBadTag)
}

func TestValidate(t *testing.T) {
	assert.Error(t, Converter{Kind: ConverterSigned, L: 0, M: 1}.Validate())
	assert.Error(t, Converter{Kind: ConverterUnsigned, L: 9, M: 1}.Validate())
	assert.Error(t, Converter{Kind: ConverterSigned, L: 2, M: 0}.Validate())
	assert.NoError(t, Converter{Kind: ConverterSigned, L: 2, M: 1}.Validate())
	assert.NoError(t, Converter{Kind: ConverterUtf8}.Validate())
}

func TestValueJSON(t *testing.T) {
	v := Numeric(big.NewRat(-25, 100))
	data, err := v.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, "-0.25", string(data))

	v = Numeric(big.NewRat(42, 1))
	data, err = v.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, "42", string(data))

	v = Text("on")
	data, err = v.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"on"`, string(data))
}
