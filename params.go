package mapdl

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ArrayType tags what an Array stores.
type ArrayType int

const (
	NumericArray ArrayType = iota
	CharArray
	ObjectArray
)

// charWidth is the fixed element width of character arrays in the dump
// format.
const charWidth = 8

// Array is a dense parameter array filled in column-major order, matching
// the element ordering of the solver's dump format. Dims holds the axis
// extents after size-1 axes are squeezed away; the backing storage keeps the
// full element count.
type Array struct {
	Type ArrayType
	Dims []int

	nums []float64
	strs []string
	objs []any
}

func newArray(arrType ArrayType, d0, d1, d2 int) *Array {
	a := &Array{
		Type: arrType,
		Dims: []int{d0, d1, d2},
	}
	n := d0 * d1 * d2
	switch arrType {
	case NumericArray:
		a.nums = make([]float64, n)
	case CharArray:
		a.strs = make([]string, n)
	default:
		a.objs = make([]any, n)
	}
	return a
}

// Size returns the total element count.
func (a *Array) Size() int {
	n := 1
	for _, d := range a.Dims {
		n *= d
	}
	return n
}

// offset converts post-squeeze indices to a column-major flat offset.
func (a *Array) offset(indices []int) (int, error) {
	if len(indices) != len(a.Dims) {
		return 0, fmt.Errorf("array has %d dimensions, got %d indices", len(a.Dims), len(indices))
	}
	off := 0
	stride := 1
	for axis, idx := range indices {
		if idx < 0 || idx >= a.Dims[axis] {
			return 0, fmt.Errorf("index %d out of range for axis %d (extent %d)", idx, axis, a.Dims[axis])
		}
		off += idx * stride
		stride *= a.Dims[axis]
	}
	return off, nil
}

// At returns the element at the given zero-based indices.
func (a *Array) At(indices ...int) (any, error) {
	off, err := a.offset(indices)
	if err != nil {
		return nil, err
	}
	switch a.Type {
	case NumericArray:
		return a.nums[off], nil
	case CharArray:
		return a.strs[off], nil
	default:
		return a.objs[off], nil
	}
}

// Float returns the numeric element at the given zero-based indices.
func (a *Array) Float(indices ...int) (float64, error) {
	if a.Type != NumericArray {
		return 0, fmt.Errorf("not a numeric array")
	}
	off, err := a.offset(indices)
	if err != nil {
		return 0, err
	}
	return a.nums[off], nil
}

// Str returns the character element at the given zero-based indices.
func (a *Array) Str(indices ...int) (string, error) {
	if a.Type != CharArray {
		return "", fmt.Errorf("not a character array")
	}
	off, err := a.offset(indices)
	if err != nil {
		return "", err
	}
	return a.strs[off], nil
}

// Floats returns the backing numeric elements in column-major order. The
// slice is the array's own storage, not a copy.
func (a *Array) Floats() []float64 {
	return a.nums
}

// squeeze drops size-1 axes. Element order is unaffected.
func (a *Array) squeeze() {
	kept := a.Dims[:0]
	for _, d := range a.Dims {
		if d != 1 {
			kept = append(kept, d)
		}
	}
	a.Dims = kept
}

func (a *Array) setElement(off int, value string) error {
	switch a.Type {
	case NumericArray:
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("non-numeric value %q", value)
		}
		a.nums[off] = v
	case CharArray:
		if len(value) > charWidth {
			value = value[:charWidth]
		}
		a.strs[off] = value
	default:
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			a.objs[off] = v
		} else {
			a.objs[off] = value
		}
	}
	return nil
}

// Parameters holds one snapshot of the solver's parameter space. A name is
// bound either as a scalar or as an array, never both.
type Parameters struct {
	Scalars map[string]any
	Arrays  map[string]*Array
}

// ParseParameters reads a parameter dump in the format the solver's
// PARSAV command writes.
func ParseParameters(r io.Reader) (*Parameters, error) {
	p := &dumpParser{
		params: &Parameters{
			Scalars: make(map[string]any),
			Arrays:  make(map[string]*Array),
		},
		stringDecls: make(map[string]bool),
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		p.line++
		if err := p.consume(strings.TrimRight(scanner.Text(), "\r")); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading parameter dump: %w", err)
	}

	for _, a := range p.params.Arrays {
		a.squeeze()
	}
	return p.params, nil
}

// ParseParameterFile parses the dump file at path.
func ParseParameterFile(path string) (*Parameters, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening parameter dump: %w", err)
	}
	defer f.Close()
	return ParseParameters(f)
}

type dumpParser struct {
	params      *Parameters
	stringDecls map[string]bool
	line        int

	// bulk-load block state
	bulkName  string
	bulkLines []string
	bulkStart int
}

func (p *dumpParser) errorf(text, format string, args ...any) error {
	return &ParseError{Line: p.line, Text: text, Reason: fmt.Sprintf(format, args...)}
}

func (p *dumpParser) consume(line string) error {
	switch {
	case p.bulkName != "":
		if strings.Contains(line, "END PREAD") {
			return p.finishBulk()
		}
		p.bulkLines = append(p.bulkLines, line)
		return nil
	case strings.Contains(line, "*DIM"):
		return p.declare(line)
	case strings.Contains(line, "*SET"):
		return p.assign(line)
	case strings.Contains(line, "*PREAD"):
		return p.beginBulk(line)
	}
	return nil
}

// declare handles a *DIM descriptor: name, type tag and three axis extents.
func (p *dumpParser) declare(line string) error {
	fields := strings.Split(line, ",")
	if len(fields) < 6 {
		return p.errorf(line, "short array declaration")
	}
	name := strings.TrimSpace(fields[1])
	tag := strings.TrimSpace(fields[2])

	var extents [3]int
	for i := range extents {
		v, err := strconv.Atoi(strings.TrimSpace(fields[3+i]))
		if err != nil {
			return p.errorf(line, "bad extent %q", fields[3+i])
		}
		extents[i] = v
	}

	switch tag {
	case "CHAR":
		p.params.Arrays[name] = newArray(CharArray, extents[0], extents[1], extents[2])
	case "ARRAY":
		p.params.Arrays[name] = newArray(NumericArray, extents[0], extents[1], extents[2])
	case "TABLE":
		// table axes carry an extra index slot per dimension
		p.params.Arrays[name] = newArray(NumericArray, extents[0]+1, extents[1]+1, extents[2]+1)
	case "STRING":
		p.params.Arrays[name] = newArray(CharArray, extents[0], extents[1], extents[2])
		p.stringDecls[name] = true
	default:
		p.params.Arrays[name] = newArray(ObjectArray, extents[0], extents[1], extents[2])
	}
	delete(p.params.Scalars, name)
	return nil
}

// assign handles a *SET line, either a scalar binding or an indexed array
// element. The value is everything past the last comma, since indexed names
// contain commas of their own.
func (p *dumpParser) assign(line string) error {
	first := strings.Index(line, ",")
	last := strings.LastIndex(line, ",")
	if first < 0 || last <= first {
		return p.errorf(line, "short assignment")
	}
	name := strings.TrimSpace(line[first+1 : last])
	value := strings.TrimSpace(line[last+1:])

	open := strings.Index(name, "(")
	if open < 0 {
		return p.assignScalar(name, value, line)
	}

	base := strings.TrimSpace(name[:open])
	if p.stringDecls[base] {
		// a string declaration collapses into a plain scalar on first
		// assignment
		return p.assignScalar(base, value, line)
	}

	arr, ok := p.params.Arrays[base]
	if !ok {
		return p.errorf(line, "assignment to undeclared array %q", base)
	}

	end := strings.Index(name[open:], ")")
	if end < 0 {
		return p.errorf(line, "unterminated index")
	}
	rawIdx := strings.Split(name[open+1:open+end], ",")
	if len(rawIdx) != len(arr.Dims) {
		return p.errorf(line, "array %q wants %d indices, got %d", base, len(arr.Dims), len(rawIdx))
	}
	indices := make([]int, len(rawIdx))
	for i, raw := range rawIdx {
		v, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return p.errorf(line, "bad index %q", raw)
		}
		indices[i] = v - 1
	}

	off, err := arr.offset(indices)
	if err != nil {
		return p.errorf(line, "array %q: %v", base, err)
	}
	if err := arr.setElement(off, value); err != nil {
		return p.errorf(line, "array %q: %v", base, err)
	}
	delete(p.params.Scalars, base)
	return nil
}

func (p *dumpParser) assignScalar(name, value, line string) error {
	if p.stringDecls[name] {
		delete(p.stringDecls, name)
	}
	delete(p.params.Arrays, name)
	if v, err := strconv.ParseFloat(value, 64); err == nil {
		p.params.Scalars[name] = v
	} else {
		p.params.Scalars[name] = value
	}
	return nil
}

func (p *dumpParser) beginBulk(line string) error {
	fields := strings.Split(line, ",")
	if len(fields) < 2 {
		return p.errorf(line, "short bulk-load header")
	}
	name := strings.TrimSpace(fields[1])
	arr, ok := p.params.Arrays[name]
	if !ok {
		return p.errorf(line, "bulk load of undeclared array %q", name)
	}
	if arr.Type != NumericArray {
		return p.errorf(line, "bulk load of non-numeric array %q", name)
	}
	p.bulkName = name
	p.bulkLines = p.bulkLines[:0]
	p.bulkStart = p.line
	return nil
}

func (p *dumpParser) finishBulk() error {
	name := p.bulkName
	p.bulkName = ""
	arr := p.params.Arrays[name]

	text := insertMinusBreaks(strings.Join(p.bulkLines, " "))
	tokens := strings.Fields(text)
	size := arr.Size()
	if len(tokens) > size {
		return p.errorf("", "bulk load of %q: %d values for %d elements", name, len(tokens), size)
	}

	values := make([]float64, len(tokens))
	for i, tok := range tokens {
		v, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return p.errorf(tok, "bulk load of %q: non-numeric value", name)
		}
		values[i] = v
	}

	if len(values) < size {
		// short blocks are zero padded and land in row-major order, unlike
		// every other fill in the format
		padded := make([]float64, size)
		copy(padded, values)
		d1, d2 := arr.Dims[1], arr.Dims[2]
		for t, v := range padded {
			i2 := t % d2
			i1 := (t / d2) % d1
			i0 := t / (d2 * d1)
			arr.nums[i0+arr.Dims[0]*(i1+d1*i2)] = v
		}
	} else {
		copy(arr.nums, values)
	}
	delete(p.params.Scalars, name)
	return nil
}

// insertMinusBreaks puts a space before a minus sign jammed between two
// digits, so runs of negative numbers tokenize. Exponent signs are left
// alone since they follow a letter.
func insertMinusBreaks(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 16)
	for i := 0; i < len(s); i++ {
		if s[i] == '-' && i > 0 && isDigit(s[i-1]) && i+1 < len(s) && isDigit(s[i+1]) {
			b.WriteByte(' ')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
