package splat

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// shC0 is the zeroth-order spherical harmonic coefficient used by 3DGS PLY
// files to store the view-independent color.
const shC0 = 0.28209479177387814

// DefaultSize is assigned to vertices that carry no scale properties.
const DefaultSize = 0.01

// vertexProps is the property layout written by WritePLY. It is the layout
// the common splat viewers load without any conversion.
var vertexProps = []string{
	"x", "y", "z",
	"nx", "ny", "nz",
	"f_dc_0", "f_dc_1", "f_dc_2",
	"opacity",
	"scale_0", "scale_1", "scale_2",
	"rot_0", "rot_1", "rot_2", "rot_3",
}

// plyProperty is one "property" line of a PLY header.
type plyProperty struct {
	Name   string
	Type   string
	IsList bool
	Line   string // original header line, re-emitted verbatim on merge
}

type plyElement struct {
	Name  string
	Count int
	Props []plyProperty
}

type plyHeader struct {
	Format   string
	Version  string
	Comments []string
	Elements []plyElement
}

// vertex returns the vertex element and its position in the element list.
func (h *plyHeader) vertex() (*plyElement, int) {
	for i := range h.Elements {
		if h.Elements[i].Name == "vertex" {
			return &h.Elements[i], i
		}
	}
	return nil, -1
}

func (h *plyHeader) write(w io.Writer) error {
	var b strings.Builder
	b.WriteString("ply\n")
	fmt.Fprintf(&b, "format %s %s\n", h.Format, h.Version)
	for _, c := range h.Comments {
		fmt.Fprintf(&b, "comment %s\n", c)
	}
	for _, el := range h.Elements {
		fmt.Fprintf(&b, "element %s %d\n", el.Name, el.Count)
		for _, p := range el.Props {
			if p.Line != "" {
				b.WriteString(p.Line + "\n")
			} else {
				fmt.Fprintf(&b, "property %s %s\n", p.Type, p.Name)
			}
		}
	}
	b.WriteString("end_header\n")
	_, err := io.WriteString(w, b.String())
	return err
}

// parsePLYHeader reads header lines up to and including end_header.
func parsePLYHeader(r *bufio.Reader) (*plyHeader, error) {
	h := &plyHeader{}
	first := true
	var current *plyElement

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("error reading header: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if first {
			if strings.TrimSpace(line) != "ply" {
				return nil, fmt.Errorf("missing ply magic number")
			}
			first = false
			continue
		}
		if strings.TrimSpace(line) == "end_header" {
			break
		}

		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}

		switch parts[0] {
		case "format":
			if len(parts) < 3 {
				return nil, fmt.Errorf("invalid format line: %q", line)
			}
			h.Format = parts[1]
			h.Version = parts[2]
		case "comment", "obj_info":
			h.Comments = append(h.Comments, strings.TrimSpace(strings.TrimPrefix(line, parts[0])))
		case "element":
			if len(parts) < 3 {
				return nil, fmt.Errorf("invalid element line: %q", line)
			}
			count, err := strconv.Atoi(parts[2])
			if err != nil || count < 0 {
				return nil, fmt.Errorf("invalid element count: %s", parts[2])
			}
			h.Elements = append(h.Elements, plyElement{Name: parts[1], Count: count})
			current = &h.Elements[len(h.Elements)-1]
		case "property":
			if current == nil {
				return nil, fmt.Errorf("property before any element: %q", line)
			}
			prop := plyProperty{Line: line}
			if len(parts) >= 2 && parts[1] == "list" {
				if len(parts) < 5 {
					return nil, fmt.Errorf("invalid list property definition: %q", line)
				}
				prop.IsList = true
				prop.Type = parts[3]
				prop.Name = parts[4]
			} else {
				if len(parts) < 3 {
					return nil, fmt.Errorf("invalid property definition: %q", line)
				}
				prop.Type = parts[1]
				prop.Name = parts[2]
				if scalarSize(prop.Type) == 0 {
					return nil, fmt.Errorf("unsupported property type %q", prop.Type)
				}
			}
			current.Props = append(current.Props, prop)
		}
	}

	if h.Format != "binary_little_endian" {
		return nil, fmt.Errorf("unsupported PLY format: %s", h.Format)
	}
	return h, nil
}

func scalarSize(typ string) int {
	switch typ {
	case "char", "uchar", "int8", "uint8":
		return 1
	case "short", "ushort", "int16", "uint16":
		return 2
	case "int", "uint", "float", "int32", "uint32", "float32":
		return 4
	case "double", "float64":
		return 8
	}
	return 0
}

func readScalar(b []byte, typ string) float64 {
	le := binary.LittleEndian
	switch typ {
	case "char", "int8":
		return float64(int8(b[0]))
	case "uchar", "uint8":
		return float64(b[0])
	case "short", "int16":
		return float64(int16(le.Uint16(b)))
	case "ushort", "uint16":
		return float64(le.Uint16(b))
	case "int", "int32":
		return float64(int32(le.Uint32(b)))
	case "uint", "uint32":
		return float64(le.Uint32(b))
	case "float", "float32":
		return float64(math.Float32frombits(le.Uint32(b)))
	case "double", "float64":
		return math.Float64frombits(le.Uint64(b))
	}
	return 0
}

func putScalar(b []byte, typ string, v float64) {
	le := binary.LittleEndian
	switch typ {
	case "char", "int8":
		b[0] = byte(int8(v))
	case "uchar", "uint8":
		b[0] = uint8(math.Round(math.Max(0, math.Min(255, v))))
	case "short", "int16":
		le.PutUint16(b, uint16(int16(v)))
	case "ushort", "uint16":
		le.PutUint16(b, uint16(v))
	case "int", "int32":
		le.PutUint32(b, uint32(int32(v)))
	case "uint", "uint32":
		le.PutUint32(b, uint32(v))
	case "float", "float32":
		le.PutUint32(b, math.Float32bits(float32(v)))
	case "double", "float64":
		le.PutUint64(b, math.Float64bits(v))
	}
}

// vertexLayout maps property names to byte offsets inside one vertex record.
type vertexLayout struct {
	stride  int
	offsets map[string]int
	types   map[string]string
	props   []plyProperty
}

func newVertexLayout(el *plyElement) (*vertexLayout, error) {
	l := &vertexLayout{offsets: map[string]int{}, types: map[string]string{}, props: el.Props}
	for _, p := range el.Props {
		if p.IsList {
			return nil, fmt.Errorf("list property %q on vertex element is not supported", p.Name)
		}
		l.offsets[p.Name] = l.stride
		l.types[p.Name] = p.Type
		l.stride += scalarSize(p.Type)
	}
	return l, nil
}

func (l *vertexLayout) get(rec []byte, name string) (float64, bool) {
	off, ok := l.offsets[name]
	if !ok {
		return 0, false
	}
	return readScalar(rec[off:], l.types[name]), true
}

func (l *vertexLayout) decode(rec []byte) Splat {
	var s Splat
	s.Position[0], _ = l.get(rec, "x")
	s.Position[1], _ = l.get(rec, "y")
	s.Position[2], _ = l.get(rec, "z")

	if _, ok := l.offsets["f_dc_0"]; ok {
		for i := 0; i < 3; i++ {
			dc, _ := l.get(rec, "f_dc_"+strconv.Itoa(i))
			s.Color[i] = clamp01(0.5 + shC0*dc)
		}
	} else if _, ok := l.offsets["red"]; ok {
		for i, name := range []string{"red", "green", "blue"} {
			c, _ := l.get(rec, name)
			if l.types[name] == "uchar" || l.types[name] == "uint8" {
				c /= 255
			}
			s.Color[i] = clamp01(c)
		}
	}

	s.Opacity = 1
	if o, ok := l.get(rec, "opacity"); ok {
		s.Opacity = 1 / (1 + math.Exp(-o))
	}

	s.Size = DefaultSize
	if _, ok := l.offsets["scale_0"]; ok {
		var sum float64
		n := 0
		for i := 0; i < 3; i++ {
			if v, ok := l.get(rec, "scale_"+strconv.Itoa(i)); ok {
				sum += v
				n++
			}
		}
		s.Size = math.Exp(sum / float64(n))
	}
	return s
}

// encode writes s into rec using the layout. Properties the layout has but a
// splat does not describe (normals, higher-order harmonics) are zeroed.
func (l *vertexLayout) encode(rec []byte, s Splat) {
	for i := range rec {
		rec[i] = 0
	}
	set := func(name string, v float64) {
		if off, ok := l.offsets[name]; ok {
			putScalar(rec[off:], l.types[name], v)
		}
	}
	set("x", s.Position[0])
	set("y", s.Position[1])
	set("z", s.Position[2])
	for i, c := range s.Color {
		set("f_dc_"+strconv.Itoa(i), (c-0.5)/shC0)
	}
	set("red", s.Color[0]*255)
	set("green", s.Color[1]*255)
	set("blue", s.Color[2]*255)
	set("opacity", logit(s.Opacity))
	logSize := math.Log(s.Size)
	set("scale_0", logSize)
	set("scale_1", logSize)
	set("scale_2", logSize)
	set("rot_0", 1)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func logit(p float64) float64 {
	const eps = 1e-6
	p = math.Max(eps, math.Min(1-eps, p))
	return math.Log(p / (1 - p))
}

// WritePLY encodes splats as a binary little-endian 3DGS PLY file.
func WritePLY(w io.Writer, splats []Splat) error {
	el := plyElement{Name: "vertex", Count: len(splats)}
	for _, name := range vertexProps {
		el.Props = append(el.Props, plyProperty{Name: name, Type: "float"})
	}
	h := &plyHeader{
		Format:   "binary_little_endian",
		Version:  "1.0",
		Comments: []string{"generated by splatlab"},
		Elements: []plyElement{el},
	}

	bw := bufio.NewWriter(w)
	if err := h.write(bw); err != nil {
		return fmt.Errorf("failed to write PLY header: %w", err)
	}
	layout, err := newVertexLayout(&h.Elements[0])
	if err != nil {
		return err
	}
	rec := make([]byte, layout.stride)
	for _, s := range splats {
		layout.encode(rec, s)
		if _, err := bw.Write(rec); err != nil {
			return fmt.Errorf("failed to write vertex data: %w", err)
		}
	}
	return bw.Flush()
}

// EncodePLY is WritePLY into a byte slice.
func EncodePLY(splats []Splat) ([]byte, error) {
	var buf bytes.Buffer
	if err := WritePLY(&buf, splats); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ReadPLY decodes the vertex element of a binary little-endian PLY file into
// splats. Elements other than vertex are ignored.
func ReadPLY(r io.Reader) ([]Splat, error) {
	br := bufio.NewReaderSize(r, 1024*1024)
	h, err := parsePLYHeader(br)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PLY header: %w", err)
	}
	el, idx := h.vertex()
	if el == nil {
		return nil, fmt.Errorf("PLY file has no vertex element")
	}
	if idx != 0 {
		return nil, fmt.Errorf("vertex element must come first, found at position %d", idx)
	}
	layout, err := newVertexLayout(el)
	if err != nil {
		return nil, err
	}

	splats := make([]Splat, 0, el.Count)
	rec := make([]byte, layout.stride)
	for i := 0; i < el.Count; i++ {
		if _, err := io.ReadFull(br, rec); err != nil {
			return nil, fmt.Errorf("failed to read vertex %d: %w", i, err)
		}
		splats = append(splats, layout.decode(rec))
	}
	return splats, nil
}

// Merge appends extra splats to the vertex element of an existing PLY file,
// keeping the base file's property layout and every base byte intact.
func Merge(base []byte, extra []Splat) ([]byte, error) {
	src := bytes.NewReader(base)
	br := bufio.NewReader(src)
	h, err := parsePLYHeader(br)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base PLY header: %w", err)
	}
	headerLen := len(base) - src.Len() - br.Buffered()
	el, idx := h.vertex()
	if el == nil || idx != 0 {
		return nil, fmt.Errorf("base PLY must start with a vertex element")
	}
	layout, err := newVertexLayout(el)
	if err != nil {
		return nil, err
	}

	vertexBytes := el.Count * layout.stride
	if headerLen+vertexBytes > len(base) {
		return nil, fmt.Errorf("base PLY truncated: want %d vertex bytes, have %d", vertexBytes, len(base)-headerLen)
	}
	baseVertices := base[headerLen : headerLen+vertexBytes]
	rest := base[headerLen+vertexBytes:]

	el.Count += len(extra)

	var out bytes.Buffer
	out.Grow(len(base) + len(extra)*layout.stride + 64)
	if err := h.write(&out); err != nil {
		return nil, err
	}
	out.Write(baseVertices)
	rec := make([]byte, layout.stride)
	for _, s := range extra {
		layout.encode(rec, s)
		out.Write(rec)
	}
	out.Write(rest)
	return out.Bytes(), nil
}
