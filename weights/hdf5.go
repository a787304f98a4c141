package weights

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"path"
	"strconv"
	"strings"

	"github.com/tsawler/go-gesture/engine"
)

// The HDF5 reader covers what Keras writes for save_weights files with h5py's
// default settings: version 0/1 superblocks, version 1 object headers,
// symbol-table (or compact link) groups, fixed-length string attributes and
// contiguous or compact float datasets without filters.

// ErrUnsupportedHDF5 reports a valid HDF5 feature outside the supported subset.
var ErrUnsupportedHDF5 = errors.New("unsupported HDF5 feature")

var hdf5Signature = []byte("\x89HDF\r\n\x1a\n")

const (
	h5MsgDataspace    = 0x0001
	h5MsgLinkInfo     = 0x0002
	h5MsgDatatype     = 0x0003
	h5MsgLink         = 0x0006
	h5MsgLayout       = 0x0008
	h5MsgFilters      = 0x000b
	h5MsgAttribute    = 0x000c
	h5MsgContinuation = 0x0010
	h5MsgSymbolTable  = 0x0011

	h5ClassFloat  = 1
	h5ClassString = 3
	h5ClassVarLen = 9

	h5LayoutCompact    = 0
	h5LayoutContiguous = 1

	// Nesting limit for groups and B-trees; deeper files are treated as corrupt.
	h5MaxDepth = 32
)

type h5File struct {
	b       []byte
	base    uint64
	offSize int
	lenSize int
}

type h5Message struct {
	typ   uint16
	flags uint8
	data  []byte
}

type h5Link struct {
	name string
	addr uint64
}

type h5Datatype struct {
	class     int
	size      int
	bigEndian bool
	spacePad  bool
}

type h5Attribute struct {
	name  string
	dtype h5Datatype
	dims  []int
	data  []byte
}

// h5Cursor reads little-endian fields; the first failure sticks in err.
type h5Cursor struct {
	f   *h5File
	b   []byte
	pos int
	err error
}

func (c *h5Cursor) take(n int) []byte {
	if c.err != nil {
		return nil
	}
	if n < 0 || c.pos+n > len(c.b) {
		c.err = fmt.Errorf("hdf5: truncated structure at byte %d", c.pos)
		return nil
	}
	s := c.b[c.pos : c.pos+n]
	c.pos += n
	return s
}

func (c *h5Cursor) skip(n int) { c.take(n) }

func (c *h5Cursor) uint(n int) uint64 {
	s := c.take(n)
	if s == nil {
		return 0
	}
	switch n {
	case 1:
		return uint64(s[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(s))
	case 4:
		return uint64(binary.LittleEndian.Uint32(s))
	case 8:
		return binary.LittleEndian.Uint64(s)
	}
	c.err = fmt.Errorf("hdf5: %d-byte integers: %w", n, ErrUnsupportedHDF5)
	return 0
}

func (c *h5Cursor) u8() int  { return int(c.uint(1)) }
func (c *h5Cursor) u16() int { return int(c.uint(2)) }
func (c *h5Cursor) u32() int { return int(c.uint(4)) }

func (c *h5Cursor) length() uint64 { return c.uint(c.f.lenSize) }

// address reads a file address relative to the base. The undefined address is
// returned unchanged.
func (c *h5Cursor) address() uint64 {
	a := c.uint(c.f.offSize)
	if a == c.f.undefined() {
		return a
	}
	return a + c.f.base
}

func (f *h5File) undefined() uint64 {
	if f.offSize >= 8 {
		return math.MaxUint64
	}
	return 1<<(8*uint(f.offSize)) - 1
}

func (f *h5File) cursor(b []byte) *h5Cursor { return &h5Cursor{f: f, b: b} }

func (f *h5File) at(addr uint64) (*h5Cursor, error) {
	if addr >= uint64(len(f.b)) {
		return nil, fmt.Errorf("hdf5: address %#x is outside the file", addr)
	}
	return &h5Cursor{f: f, b: f.b, pos: int(addr)}, nil
}

func (f *h5File) slice(addr, n uint64) ([]byte, error) {
	if addr > uint64(len(f.b)) || n > uint64(len(f.b))-addr {
		return nil, fmt.Errorf("hdf5: %d bytes at %#x run past the end of the file", n, addr)
	}
	return f.b[addr : addr+n], nil
}

// openHDF5 locates the superblock and returns the root group's object header
// address. The superblock may follow a user block at 512, 1024, 2048... bytes.
func openHDF5(b []byte) (*h5File, uint64, error) {
	at := -1
	for off := 0; off+len(hdf5Signature) <= len(b); {
		if bytes.Equal(b[off:off+len(hdf5Signature)], hdf5Signature) {
			at = off
			break
		}
		if off == 0 {
			off = 512
		} else {
			off *= 2
		}
	}
	if at < 0 {
		return nil, 0, errors.New("hdf5: no superblock signature")
	}

	f := &h5File{b: b, offSize: 8, lenSize: 8}
	c := &h5Cursor{f: f, b: b, pos: at + len(hdf5Signature)}
	version := c.u8()
	if c.err == nil && version > 1 {
		return nil, 0, fmt.Errorf("hdf5: superblock version %d: %w", version, ErrUnsupportedHDF5)
	}
	c.skip(4) // free-space, root symbol table, reserved, shared header versions
	f.offSize, f.lenSize = c.u8(), c.u8()
	if c.err != nil {
		return nil, 0, c.err
	}
	for _, size := range []int{f.offSize, f.lenSize} {
		if size != 2 && size != 4 && size != 8 {
			return nil, 0, fmt.Errorf("hdf5: field size %d: %w", size, ErrUnsupportedHDF5)
		}
	}
	c.skip(1 + 4 + 4) // reserved, group K values, consistency flags
	if version == 1 {
		c.skip(4)
	}
	f.base = c.uint(f.offSize)
	c.skip(3 * f.offSize) // free-space, end of file and driver addresses

	// Root group symbol table entry.
	c.skip(f.offSize)
	root := c.address()
	if c.err != nil {
		return nil, 0, c.err
	}
	return f, root, nil
}

// messages returns the messages of the object header at addr, following
// continuation blocks.
func (f *h5File) messages(addr uint64) ([]h5Message, error) {
	c, err := f.at(addr)
	if err != nil {
		return nil, err
	}
	if addr+4 <= uint64(len(f.b)) && string(f.b[addr:addr+4]) == "OHDR" {
		return nil, fmt.Errorf("hdf5: version 2 object header at %#x: %w", addr, ErrUnsupportedHDF5)
	}
	if version := c.u8(); c.err == nil && version != 1 {
		return nil, fmt.Errorf("hdf5: object header version %d at %#x", version, addr)
	}
	c.skip(1 + 2 + 4) // reserved, message count, reference count
	size := uint64(c.u32())
	c.skip(4)
	if c.err != nil {
		return nil, c.err
	}

	type block struct{ start, size uint64 }
	blocks := []block{{addr + 16, size}}
	seen := map[uint64]bool{}
	var msgs []h5Message
	for len(blocks) > 0 {
		blk := blocks[0]
		blocks = blocks[1:]
		if seen[blk.start] {
			continue
		}
		seen[blk.start] = true
		data, err := f.slice(blk.start, blk.size)
		if err != nil {
			return nil, err
		}

		mc := f.cursor(data)
		for mc.pos+8 <= len(data) {
			typ := uint16(mc.u16())
			n := mc.u16()
			flags := uint8(mc.u8())
			mc.skip(3)
			body := mc.take(n)
			if mc.err != nil {
				return nil, mc.err
			}
			switch typ {
			case 0:
			case h5MsgContinuation:
				cc := f.cursor(body)
				start, length := cc.address(), cc.length()
				if cc.err != nil {
					return nil, cc.err
				}
				blocks = append(blocks, block{start, length})
			default:
				msgs = append(msgs, h5Message{typ: typ, flags: flags, data: body})
			}
		}
	}
	return msgs, nil
}

func (f *h5File) localHeap(addr uint64) ([]byte, error) {
	c, err := f.at(addr)
	if err != nil {
		return nil, err
	}
	if sig := c.take(4); c.err == nil && string(sig) != "HEAP" {
		return nil, fmt.Errorf("hdf5: no local heap at %#x", addr)
	}
	c.skip(4)
	size := c.length()
	c.length() // free list
	data := c.address()
	if c.err != nil {
		return nil, c.err
	}
	return f.slice(data, size)
}

func heapString(heap []byte, off uint64) string {
	if off >= uint64(len(heap)) {
		return ""
	}
	s := heap[off:]
	if i := bytes.IndexByte(s, 0); i >= 0 {
		s = s[:i]
	}
	return string(s)
}

// symbolTable collects the entries reachable from a group B-tree node or
// symbol table node.
func (f *h5File) symbolTable(addr uint64, heap []byte, depth int, links []h5Link) ([]h5Link, error) {
	if depth > h5MaxDepth {
		return nil, errors.New("hdf5: group B-tree is too deep")
	}
	c, err := f.at(addr)
	if err != nil {
		return nil, err
	}
	switch sig := string(c.take(4)); sig {
	case "SNOD":
		c.skip(2)
		n := c.u16()
		for i := 0; i < n && c.err == nil; i++ {
			name := c.uint(f.offSize)
			obj := c.address()
			c.skip(4 + 4 + 16) // cache type, reserved, scratch pad
			links = append(links, h5Link{name: heapString(heap, name), addr: obj})
		}
		return links, c.err
	case "TREE":
		if typ := c.u8(); c.err == nil && typ != 0 {
			return nil, fmt.Errorf("hdf5: B-tree at %#x indexes chunks, not a group", addr)
		}
		c.skip(1)
		n := c.u16()
		c.skip(2 * f.offSize)
		for i := 0; i < n && c.err == nil; i++ {
			c.skip(f.lenSize)
			child := c.address()
			if c.err != nil {
				break
			}
			if links, err = f.symbolTable(child, heap, depth+1, links); err != nil {
				return nil, err
			}
		}
		return links, c.err
	default:
		if c.err != nil {
			return nil, c.err
		}
		return nil, fmt.Errorf("hdf5: unexpected %q node at %#x", sig, addr)
	}
}

func (f *h5File) hardLink(b []byte) (h5Link, bool, error) {
	c := f.cursor(b)
	c.skip(1)
	flags := c.u8()
	linkType := 0
	if flags&0x08 != 0 {
		linkType = c.u8()
	}
	if flags&0x04 != 0 {
		c.skip(8)
	}
	if flags&0x10 != 0 {
		c.skip(1)
	}
	n := c.uint(1 << (flags & 0x03))
	if c.err != nil || n > uint64(len(b)) {
		return h5Link{}, false, fmt.Errorf("hdf5: malformed link message")
	}
	name := string(c.take(int(n)))
	if linkType != 0 {
		// Soft and external links never hold weights.
		return h5Link{}, false, c.err
	}
	addr := c.address()
	return h5Link{name: name, addr: addr}, c.err == nil, c.err
}

func parseDatatype(b []byte) (h5Datatype, error) {
	if len(b) < 8 {
		return h5Datatype{}, errors.New("hdf5: truncated datatype")
	}
	t := h5Datatype{class: int(b[0] & 0x0f), size: int(binary.LittleEndian.Uint32(b[4:8]))}
	switch t.class {
	case h5ClassFloat:
		t.bigEndian = b[1]&0x01 != 0
	case h5ClassString:
		t.spacePad = b[1]&0x0f == 2
	}
	return t, nil
}

// dataspace returns the dimensions. A scalar has none; a null dataspace is
// reported as a single zero dimension.
func (f *h5File) dataspace(b []byte) ([]int, error) {
	c := f.cursor(b)
	version := c.u8()
	rank := c.u8()
	c.skip(1)
	switch version {
	case 1:
		c.skip(5)
	case 2:
		if c.u8() == 2 {
			return []int{0}, c.err
		}
	default:
		if c.err == nil {
			return nil, fmt.Errorf("hdf5: dataspace version %d: %w", version, ErrUnsupportedHDF5)
		}
	}
	dims := make([]int, rank)
	for i := range dims {
		d := c.length()
		if d > math.MaxInt32 {
			return nil, fmt.Errorf("hdf5: dimension %d is too large", d)
		}
		dims[i] = int(d)
	}
	return dims, c.err
}

func elements(dims []int) int {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}

func (f *h5File) attribute(b []byte) (h5Attribute, error) {
	c := f.cursor(b)
	version := c.u8()
	flags := c.u8()
	nameSize, typeSize, spaceSize := c.u16(), c.u16(), c.u16()
	pad := func(n int) int { return n }
	switch version {
	case 1:
		pad = func(n int) int { return (n + 7) &^ 7 }
	case 2:
	case 3:
		c.skip(1) // name encoding
	default:
		if c.err == nil {
			return h5Attribute{}, fmt.Errorf("hdf5: attribute version %d: %w", version, ErrUnsupportedHDF5)
		}
	}
	if version > 1 && flags&0x03 != 0 {
		return h5Attribute{}, fmt.Errorf("hdf5: shared attribute type: %w", ErrUnsupportedHDF5)
	}
	name := c.take(pad(nameSize))
	dtype := c.take(pad(typeSize))
	space := c.take(pad(spaceSize))
	if c.err != nil {
		return h5Attribute{}, c.err
	}

	a := h5Attribute{name: string(bytes.TrimRight(name, "\x00"))}
	var err error
	if a.dtype, err = parseDatatype(dtype); err != nil {
		return a, err
	}
	if a.dims, err = f.dataspace(space); err != nil {
		return a, err
	}
	a.data = c.take(elements(a.dims) * a.dtype.size)
	return a, c.err
}

func (a h5Attribute) strings() ([]string, error) {
	n := elements(a.dims)
	if n == 0 {
		return nil, nil
	}
	switch a.dtype.class {
	case h5ClassString:
	case h5ClassVarLen:
		return nil, fmt.Errorf("hdf5: attribute %q holds variable-length strings: %w", a.name, ErrUnsupportedHDF5)
	default:
		return nil, fmt.Errorf("hdf5: attribute %q is not a string (class %d)", a.name, a.dtype.class)
	}
	size := a.dtype.size
	out := make([]string, n)
	for i := range out {
		s := a.data[i*size : (i+1)*size]
		if j := bytes.IndexByte(s, 0); j >= 0 {
			s = s[:j]
		}
		if a.dtype.spacePad {
			s = bytes.TrimRight(s, " ")
		}
		out[i] = string(s)
	}
	return out, nil
}

// h5Object is a group or dataset.
type h5Object struct {
	f    *h5File
	name string
	msgs []h5Message
}

func (f *h5File) object(name string, addr uint64) (*h5Object, error) {
	msgs, err := f.messages(addr)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return &h5Object{f: f, name: name, msgs: msgs}, nil
}

func (o *h5Object) isGroup() bool {
	for _, m := range o.msgs {
		switch m.typ {
		case h5MsgSymbolTable, h5MsgLink, h5MsgLinkInfo:
			return true
		}
	}
	return false
}

func (o *h5Object) links() ([]h5Link, error) {
	var links []h5Link
	for _, m := range o.msgs {
		switch m.typ {
		case h5MsgSymbolTable:
			c := o.f.cursor(m.data)
			tree, heapAddr := c.address(), c.address()
			if c.err != nil {
				return nil, c.err
			}
			heap, err := o.f.localHeap(heapAddr)
			if err != nil {
				return nil, err
			}
			if links, err = o.f.symbolTable(tree, heap, 0, links); err != nil {
				return nil, err
			}
		case h5MsgLink:
			l, ok, err := o.f.hardLink(m.data)
			if err != nil {
				return nil, err
			}
			if ok {
				links = append(links, l)
			}
		case h5MsgLinkInfo:
			c := o.f.cursor(m.data)
			c.skip(1)
			if c.u8()&0x01 != 0 {
				c.skip(8)
			}
			if heap := c.address(); c.err == nil && heap != o.f.undefined() {
				return nil, fmt.Errorf("hdf5: group %s uses dense link storage: %w", o.name, ErrUnsupportedHDF5)
			}
		}
	}
	return links, nil
}

// child opens the member called name; ok is false when there is none.
func (o *h5Object) child(name string) (*h5Object, bool, error) {
	links, err := o.links()
	if err != nil {
		return nil, false, err
	}
	for _, l := range links {
		if l.name == name {
			obj, err := o.f.object(path.Join(o.name, name), l.addr)
			return obj, err == nil, err
		}
	}
	return nil, false, nil
}

func (o *h5Object) lookup(p string) (*h5Object, error) {
	obj := o
	for _, part := range strings.Split(strings.Trim(p, "/"), "/") {
		next, ok, err := obj.child(part)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("hdf5: %s has no member %q", obj.name, part)
		}
		obj = next
	}
	return obj, nil
}

func (o *h5Object) attr(name string) (h5Attribute, bool, error) {
	for _, m := range o.msgs {
		if m.typ != h5MsgAttribute {
			continue
		}
		a, err := o.f.attribute(m.data)
		if err != nil {
			return a, false, fmt.Errorf("%s: %w", o.name, err)
		}
		if a.name == name {
			return a, true, nil
		}
	}
	return h5Attribute{}, false, nil
}

// stringsAttr reads a string list attribute. Lists too large for one object
// header are stored as name0, name1, ... and are joined.
func (o *h5Object) stringsAttr(name string) ([]string, bool, error) {
	a, ok, err := o.attr(name)
	if err != nil {
		return nil, false, err
	}
	if ok {
		s, err := a.strings()
		return s, err == nil, err
	}
	var out []string
	found := false
	for i := 0; ; i++ {
		a, ok, err := o.attr(name + strconv.Itoa(i))
		if err != nil {
			return nil, false, err
		}
		if !ok {
			break
		}
		s, err := a.strings()
		if err != nil {
			return nil, false, err
		}
		out = append(out, s...)
		found = true
	}
	return out, found, nil
}

// tensor reads a float dataset.
func (o *h5Object) tensor() (*engine.Tensor, error) {
	var (
		dtype  *h5Datatype
		dims   []int
		layout []byte
	)
	for _, m := range o.msgs {
		switch m.typ {
		case h5MsgDatatype:
			if m.flags&0x02 != 0 {
				return nil, fmt.Errorf("hdf5: %s has a committed datatype: %w", o.name, ErrUnsupportedHDF5)
			}
			t, err := parseDatatype(m.data)
			if err != nil {
				return nil, err
			}
			dtype = &t
		case h5MsgDataspace:
			d, err := o.f.dataspace(m.data)
			if err != nil {
				return nil, err
			}
			dims = d
		case h5MsgFilters:
			return nil, fmt.Errorf("hdf5: %s is filtered: %w", o.name, ErrUnsupportedHDF5)
		case h5MsgLayout:
			layout = m.data
		}
	}
	if dtype == nil || layout == nil {
		return nil, fmt.Errorf("hdf5: %s is not a dataset", o.name)
	}
	if dtype.class != h5ClassFloat || (dtype.size != 4 && dtype.size != 8) {
		return nil, fmt.Errorf("hdf5: %s has datatype class %d size %d: %w", o.name, dtype.class, dtype.size, ErrUnsupportedHDF5)
	}

	n := elements(dims)
	need := uint64(n) * uint64(dtype.size)
	raw, err := o.storage(layout, need)
	if err != nil {
		return nil, err
	}

	var order binary.ByteOrder = binary.LittleEndian
	if dtype.bigEndian {
		order = binary.BigEndian
	}
	t := &engine.Tensor{Shape: append([]int{}, dims...), Data: make([]float32, n)}
	if raw == nil {
		return t, nil
	}
	for i := range t.Data {
		if dtype.size == 4 {
			t.Data[i] = math.Float32frombits(order.Uint32(raw[4*i:]))
		} else {
			t.Data[i] = float32(math.Float64frombits(order.Uint64(raw[8*i:])))
		}
	}
	return t, nil
}

// storage returns the need raw bytes of a dataset, or nil when contiguous
// storage was never allocated and the values are the zero fill.
func (o *h5Object) storage(layout []byte, need uint64) ([]byte, error) {
	c := o.f.cursor(layout)
	version := c.u8()
	class := c.u8()
	if c.err != nil {
		return nil, c.err
	}
	if version < 3 || version > 4 {
		return nil, fmt.Errorf("hdf5: %s uses layout version %d: %w", o.name, version, ErrUnsupportedHDF5)
	}
	switch class {
	case h5LayoutCompact:
		size := c.u16()
		data := c.take(size)
		if c.err != nil {
			return nil, c.err
		}
		if uint64(len(data)) < need {
			return nil, fmt.Errorf("hdf5: %s holds %d of %d bytes", o.name, len(data), need)
		}
		return data, nil
	case h5LayoutContiguous:
		addr := c.address()
		c.length()
		if c.err != nil {
			return nil, c.err
		}
		if addr == o.f.undefined() {
			return nil, nil
		}
		return o.f.slice(addr, need)
	default:
		return nil, fmt.Errorf("hdf5: %s uses layout class %d: %w", o.name, class, ErrUnsupportedHDF5)
	}
}

// walk adds every dataset below o, keyed by "<parent group>/<name>".
func (o *h5Object) walk(parent string, depth int, state map[string]*engine.Tensor) error {
	if depth > h5MaxDepth {
		return errors.New("hdf5: groups are nested too deeply")
	}
	links, err := o.links()
	if err != nil {
		return err
	}
	for _, l := range links {
		obj, err := o.f.object(path.Join(o.name, l.name), l.addr)
		if err != nil {
			return err
		}
		if obj.isGroup() {
			if err := obj.walk(l.name, depth+1, state); err != nil {
				return err
			}
			continue
		}
		t, err := obj.tensor()
		if err != nil {
			return err
		}
		key := paramName(l.name)
		if parent != "" {
			key = parent + "/" + key
		}
		state[key] = t
	}
	return nil
}

// paramName turns a Keras weight name such as "Conv1/kernel:0" into "kernel".
func paramName(weightName string) string {
	return strings.TrimSuffix(path.Base(weightName), ":0")
}

// DecodeKerasH5 reads a Keras save_weights file into "<layer>/<param>"
// tensors; the dataset /Conv1/Conv1/kernel:0 becomes "Conv1/kernel". Layers
// are taken from the root layer_names attribute and their datasets from each
// group's weight_names. Files without those attributes are walked instead.
func DecodeKerasH5(b []byte) (map[string]*engine.Tensor, error) {
	f, rootAddr, err := openHDF5(b)
	if err != nil {
		return nil, err
	}
	root, err := f.object("/", rootAddr)
	if err != nil {
		return nil, err
	}
	// Full-model files nest the weights one level down.
	if mw, ok, err := root.child("model_weights"); err != nil {
		return nil, err
	} else if ok {
		root = mw
	}

	state := map[string]*engine.Tensor{}
	layerNames, ok, err := root.stringsAttr("layer_names")
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := root.walk("", 0, state); err != nil {
			return nil, err
		}
	}
	for _, layer := range layerNames {
		g, ok, err := root.child(layer)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("hdf5: layer %q has no group", layer)
		}
		names, _, err := g.stringsAttr("weight_names")
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			ds, err := g.lookup(name)
			if err != nil {
				return nil, err
			}
			t, err := ds.tensor()
			if err != nil {
				return nil, err
			}
			state[layer+"/"+paramName(name)] = t
		}
	}
	if len(state) == 0 {
		return nil, errors.New("hdf5: file holds no weight tensors")
	}
	return state, nil
}
