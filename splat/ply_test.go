package splat

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const float32Tol = 1e-5

func sampleSplats() []Splat {
	return []Splat{
		{Position: [3]float64{-4.2, 1.5, 6.1}, Color: [3]float64{0.2, 0.4, 0.6}, Size: 0.03, Opacity: 0.5},
		{Position: [3]float64{0, -3, 5}, Color: [3]float64{1, 1, 1}, Size: 0.07, Opacity: 0.85},
		{Position: [3]float64{3.9, 0.1, 7.2}, Color: [3]float64{0, 0.5, 0}, Size: 0.015, Opacity: 0.2},
	}
}

func assertSplatsClose(t *testing.T, want, got []Splat) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		for k := 0; k < 3; k++ {
			assert.InDelta(t, want[i].Position[k], got[i].Position[k], float32Tol, "splat %d position[%d]", i, k)
			assert.InDelta(t, want[i].Color[k], got[i].Color[k], float32Tol, "splat %d color[%d]", i, k)
		}
		assert.InDelta(t, want[i].Size, got[i].Size, float32Tol, "splat %d size", i)
		assert.InDelta(t, want[i].Opacity, got[i].Opacity, float32Tol, "splat %d opacity", i)
	}
}

func TestWriteReadPLY(t *testing.T) {
	in := sampleSplats()
	data, err := EncodePLY(in)
	require.NoError(t, err)

	assert.True(t, bytes.HasPrefix(data, []byte("ply\nformat binary_little_endian 1.0\n")))
	assert.Contains(t, string(data), "element vertex 3\n")

	out, err := ReadPLY(bytes.NewReader(data))
	require.NoError(t, err)
	assertSplatsClose(t, in, out)
}

func TestWritePLYEmpty(t *testing.T) {
	data, err := EncodePLY(nil)
	require.NoError(t, err)
	out, err := ReadPLY(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Empty(t, out)
}

// buildColorPLY writes a PLY with uchar colors, an extra per-vertex property
// and a trailing face element, the shape a mesh exporter produces.
func buildColorPLY(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString("ply\nformat binary_little_endian 1.0\ncomment test\n")
	buf.WriteString("element vertex 2\n")
	buf.WriteString("property float x\nproperty float y\nproperty float z\n")
	buf.WriteString("property uchar red\nproperty uchar green\nproperty uchar blue\n")
	buf.WriteString("property float quality\n")
	buf.WriteString("element face 1\nproperty list uchar int vertex_indices\n")
	buf.WriteString("end_header\n")
	for i := 0; i < 2; i++ {
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, []float32{float32(i), 2, 3}))
		buf.Write([]byte{255, 0, 51})
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, float32(0.5)))
	}
	buf.WriteByte(3)
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, []int32{0, 1, 0}))
	return buf.Bytes()
}

func TestReadPLYUcharColors(t *testing.T) {
	out, err := ReadPLY(bytes.NewReader(buildColorPLY(t)))
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.Equal(t, [3]float64{1, 2, 3}, out[1].Position)
	assert.InDelta(t, 1.0, out[0].Color[0], 1e-9)
	assert.InDelta(t, 0.0, out[0].Color[1], 1e-9)
	assert.InDelta(t, 0.2, out[0].Color[2], 1e-9)
	assert.Equal(t, 1.0, out[0].Opacity)
	assert.Equal(t, DefaultSize, out[0].Size)
}

func TestReadPLYRejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"no magic", "plx\nformat binary_little_endian 1.0\nend_header\n"},
		{"ascii", "ply\nformat ascii 1.0\nelement vertex 0\nproperty float x\nend_header\n"},
		{"bad count", "ply\nformat binary_little_endian 1.0\nelement vertex many\nend_header\n"},
		{"bad type", "ply\nformat binary_little_endian 1.0\nelement vertex 1\nproperty quad x\nend_header\n"},
		{"no vertex", "ply\nformat binary_little_endian 1.0\nelement face 0\nproperty list uchar int vertex_indices\nend_header\n"},
		{"truncated", "ply\nformat binary_little_endian 1.0\nelement vertex 2\nproperty float x\nend_header\n\x00\x00"},
		{"missing end_header", "ply\nformat binary_little_endian 1.0\nelement vertex 2\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadPLY(bytes.NewReader([]byte(tt.data)))
			assert.Error(t, err)
		})
	}
}

func TestMergeKeepsBaseLayout(t *testing.T) {
	base := buildColorPLY(t)
	extra := []Splat{{Position: [3]float64{9, 8, 7}, Color: [3]float64{0, 1, 0}, Size: 0.02, Opacity: 0.6}}

	merged, err := Merge(base, extra)
	require.NoError(t, err)
	assert.Contains(t, string(merged), "element vertex 3\n")
	assert.Contains(t, string(merged), "property list uchar int vertex_indices\n")
	// face block survives at the tail
	assert.True(t, bytes.HasSuffix(merged, base[len(base)-13:]))

	out, err := ReadPLY(bytes.NewReader(merged))
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, [3]float64{9, 8, 7}, out[2].Position)
	assert.InDelta(t, 1.0, out[2].Color[1], 1e-9)
	assert.InDelta(t, 0.0, out[2].Color[0], 1e-9)
}

func TestMergeSplatLayout(t *testing.T) {
	base, err := EncodePLY(sampleSplats()[:1])
	require.NoError(t, err)
	merged, err := Merge(base, sampleSplats()[1:])
	require.NoError(t, err)

	out, err := ReadPLY(bytes.NewReader(merged))
	require.NoError(t, err)
	assertSplatsClose(t, sampleSplats(), out)
}

func TestMergeLargeBase(t *testing.T) {
	// larger than the bufio buffer so the header offset math is exercised
	many := make([]Splat, 5000)
	for i := range many {
		many[i] = Splat{Position: [3]float64{float64(i), 0, 0}, Color: [3]float64{0.5, 0.5, 0.5}, Size: 0.01, Opacity: 0.5}
	}
	base, err := EncodePLY(many)
	require.NoError(t, err)
	merged, err := Merge(base, sampleSplats())
	require.NoError(t, err)

	out, err := ReadPLY(bytes.NewReader(merged))
	require.NoError(t, err)
	require.Len(t, out, len(many)+3)
	assert.InDelta(t, 4999, out[4999].Position[0], float32Tol)
	assertSplatsClose(t, sampleSplats(), out[len(many):])
}

func TestValidate(t *testing.T) {
	ok := sampleSplats()[0]
	require.NoError(t, ok.Validate())

	tests := []struct {
		name   string
		mutate func(s *Splat)
	}{
		{"nan position", func(s *Splat) { s.Position[1] = math.NaN() }},
		{"inf position", func(s *Splat) { s.Position[2] = math.Inf(1) }},
		{"color above one", func(s *Splat) { s.Color[0] = 1.01 }},
		{"negative color", func(s *Splat) { s.Color[2] = -0.1 }},
		{"zero size", func(s *Splat) { s.Size = 0 }},
		{"opacity above one", func(s *Splat) { s.Opacity = 1.5 }},
		{"nan opacity", func(s *Splat) { s.Opacity = math.NaN() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := ok
			tt.mutate(&s)
			err := s.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidSplat, fmt.Sprint(err))
		})
	}
}
