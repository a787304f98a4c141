package weights

import (
	"encoding/binary"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// h5Group, h5Attr and h5Data describe a file for h5Writer.
type h5Group struct {
	attrs   []h5Attr
	members map[string]interface{} // *h5Group or *h5Data
}

type h5Attr struct {
	name   string
	values []string // nil writes an empty float64 array, as h5py does for []
	scalar bool
}

type h5Data struct {
	shape    []int
	values   []float64
	double   bool
	chunked  bool
	filtered bool
}

func newH5Group(attrs ...h5Attr) *h5Group {
	return &h5Group{attrs: attrs, members: map[string]interface{}{}}
}

func (g *h5Group) subgroup(name string) *h5Group {
	if name == "" {
		return g
	}
	if sub, ok := g.members[name].(*h5Group); ok {
		return sub
	}
	sub := newH5Group()
	g.members[name] = sub
	return sub
}

// h5Writer lays files out the way h5py does with its default format settings:
// superblock v0 with 8-byte fields, v1 object headers, symbol-table groups
// with at most 8 entries per SNOD, v1 attributes and contiguous v3 layouts.
type h5Writer struct {
	buf []byte
	// fanout > 0 caps children per B-tree node so larger groups get a level 1 node.
	fanout int
	// split moves every group header message after the first into a
	// continuation block.
	split bool
}

const h5Undefined = math.MaxUint64

func le16(b []byte, v int) []byte    { return binary.LittleEndian.AppendUint16(b, uint16(v)) }
func le32(b []byte, v int) []byte    { return binary.LittleEndian.AppendUint32(b, uint32(v)) }
func le64(b []byte, v uint64) []byte { return binary.LittleEndian.AppendUint64(b, v) }

func pad8(b []byte) []byte {
	for len(b)%8 != 0 {
		b = append(b, 0)
	}
	return b
}

func (w *h5Writer) write(b []byte) uint64 {
	w.buf = pad8(w.buf)
	at := uint64(len(w.buf))
	w.buf = append(w.buf, b...)
	return at
}

func (w *h5Writer) file(root *h5Group) []byte {
	w.buf = make([]byte, 96)
	rootAddr := w.group(root)

	sb := []byte("\x89HDF\r\n\x1a\n")
	sb = append(sb, 0, 0, 0, 0, 0, 8, 8, 0)
	sb = le16(sb, 4)
	sb = le16(sb, 16)
	sb = le32(sb, 0)
	sb = le64(sb, 0)
	sb = le64(sb, h5Undefined)
	sb = le64(sb, uint64(len(w.buf)))
	sb = le64(sb, h5Undefined)
	sb = le64(sb, 0)
	sb = le64(sb, rootAddr)
	sb = le32(sb, 0)
	sb = le32(sb, 0)
	sb = append(sb, make([]byte, 16)...)
	copy(w.buf, sb)
	return w.buf
}

type h5Msg struct {
	typ  int
	data []byte
}

func encodeMessages(msgs []h5Msg) []byte {
	var b []byte
	for _, m := range msgs {
		data := pad8(append([]byte(nil), m.data...))
		b = le16(b, m.typ)
		b = le16(b, len(data))
		b = append(b, 0, 0, 0, 0)
		b = append(b, data...)
	}
	return b
}

func (w *h5Writer) objectHeader(msgs []h5Msg, split bool) uint64 {
	count := len(msgs)
	if split && len(msgs) > 1 {
		rest := encodeMessages(msgs[1:])
		at := w.write(rest)
		cont := le64(le64(nil, at), uint64(len(rest)))
		msgs = []h5Msg{msgs[0], {typ: h5MsgContinuation, data: cont}}
		count++
	}
	body := encodeMessages(msgs)
	h := []byte{1, 0}
	h = le16(h, count)
	h = le32(h, 1)
	h = le32(h, len(body))
	h = append(h, 0, 0, 0, 0)
	return w.write(append(h, body...))
}

func floatType(double bool) []byte {
	if double {
		b := le32([]byte{0x11, 0x20, 63, 0}, 8)
		b = le16(le16(b, 0), 64)
		b = append(b, 52, 11, 0, 52)
		return le32(b, 1023)
	}
	b := le32([]byte{0x11, 0x20, 31, 0}, 4)
	b = le16(le16(b, 0), 32)
	b = append(b, 23, 8, 0, 23)
	return le32(b, 127)
}

func stringType(size int) []byte {
	return le32([]byte{0x13, 0x01, 0, 0}, size)
}

func dataspace(dims []int) []byte {
	b := []byte{1, byte(len(dims)), 1, 0, 0, 0, 0, 0}
	for _, d := range dims {
		b = le64(b, uint64(d))
	}
	for _, d := range dims {
		b = le64(b, uint64(d))
	}
	return b
}

func attributeMessage(a h5Attr) h5Msg {
	var dtype, space, data []byte
	switch {
	case a.values == nil:
		dtype, space = floatType(true), dataspace([]int{0})
	default:
		size := 1
		for _, v := range a.values {
			if len(v) > size {
				size = len(v)
			}
		}
		dtype = stringType(size)
		if a.scalar {
			space = dataspace(nil)
		} else {
			space = dataspace([]int{len(a.values)})
		}
		for _, v := range a.values {
			data = append(data, v...)
			data = append(data, make([]byte, size-len(v))...)
		}
	}
	name := append([]byte(a.name), 0)
	b := []byte{1, 0}
	b = le16(b, len(name))
	b = le16(b, len(dtype))
	b = le16(b, len(space))
	b = append(b, pad8(name)...)
	b = append(b, pad8(dtype)...)
	b = append(b, pad8(space)...)
	return h5Msg{typ: h5MsgAttribute, data: append(b, data...)}
}

func (w *h5Writer) dataset(d *h5Data) uint64 {
	var raw []byte
	for _, v := range d.values {
		if d.double {
			raw = le64(raw, math.Float64bits(v))
		} else {
			raw = le32(raw, int(math.Float32bits(float32(v))))
		}
	}
	msgs := []h5Msg{
		{typ: h5MsgDataspace, data: dataspace(d.shape)},
		{typ: h5MsgDatatype, data: floatType(d.double)},
	}
	if d.filtered {
		filter := []byte{1, 1, 0, 0, 0, 0, 0, 0}
		filter = le16(le16(le16(le16(filter, 1), 0), 1), 1)
		msgs = append(msgs, h5Msg{typ: h5MsgFilters, data: le32(filter, 4)})
	}
	layout := []byte{3, h5LayoutContiguous}
	if d.chunked {
		layout = []byte{3, 2, byte(len(d.shape) + 1)}
	}
	layout = le64(layout, w.write(raw))
	layout = le64(layout, uint64(len(raw)))
	msgs = append(msgs, h5Msg{typ: h5MsgLayout, data: layout})
	return w.objectHeader(msgs, false)
}

func (w *h5Writer) group(g *h5Group) uint64 {
	names := make([]string, 0, len(g.members))
	for name := range g.members {
		names = append(names, name)
	}
	sort.Strings(names)

	addrs := make([]uint64, len(names))
	for i, name := range names {
		switch m := g.members[name].(type) {
		case *h5Group:
			addrs[i] = w.group(m)
		case *h5Data:
			addrs[i] = w.dataset(m)
		}
	}

	heap := make([]byte, 8)
	offsets := make([]uint64, len(names))
	for i, name := range names {
		offsets[i] = uint64(len(heap))
		heap = pad8(append(append(heap, name...), 0))
	}
	heapData := w.write(heap)
	h := append([]byte("HEAP"), 0, 0, 0, 0)
	h = le64(le64(le64(h, uint64(len(heap))), h5Undefined), heapData)
	heapAddr := w.write(h)

	var snods []uint64
	for start := 0; start < len(names); start += 8 {
		end := min(start+8, len(names))
		s := le16(append([]byte("SNOD"), 1, 0), end-start)
		for i := start; i < end; i++ {
			s = le64(le64(s, offsets[i]), addrs[i])
			s = le32(le32(s, 0), 0)
			s = append(s, make([]byte, 16)...)
		}
		snods = append(snods, w.write(s))
	}

	msgs := []h5Msg{{typ: h5MsgSymbolTable, data: le64(le64(nil, w.tree(snods, 0)), heapAddr)}}
	for _, a := range g.attrs {
		msgs = append(msgs, attributeMessage(a))
	}
	return w.objectHeader(msgs, w.split)
}

func (w *h5Writer) tree(children []uint64, level int) uint64 {
	if w.fanout > 0 && len(children) > w.fanout {
		var parents []uint64
		for i := 0; i < len(children); i += w.fanout {
			parents = append(parents, w.tree(children[i:min(i+w.fanout, len(children))], level))
		}
		return w.tree(parents, level+1)
	}
	b := le16(append([]byte("TREE"), 0, byte(level)), len(children))
	b = le64(le64(b, h5Undefined), h5Undefined)
	for _, c := range children {
		b = le64(le64(b, 0), c)
	}
	return w.write(le64(b, 0))
}

type kerasLayer struct {
	name    string
	weights []kerasWeight
}

type kerasWeight struct {
	name   string // e.g. "Conv1/kernel:0"
	shape  []int
	values []float64
}

// kerasWeightsFile builds the group tree Keras save_weights writes: a root
// layer_names list, one group per layer carrying weight_names, and each
// weight stored at /<layer>/<weight name>.
func kerasWeightsFile(layers []kerasLayer) *h5Group {
	var layerNames []string
	root := newH5Group()
	for _, l := range layers {
		layerNames = append(layerNames, l.name)
		var weightNames []string
		g := newH5Group()
		for _, wt := range l.weights {
			weightNames = append(weightNames, wt.name)
			dir, base := path.Split(wt.name)
			g.subgroup(strings.TrimSuffix(dir, "/")).members[base] = &h5Data{shape: wt.shape, values: wt.values}
		}
		g.attrs = []h5Attr{{name: "weight_names", values: weightNames}}
		root.members[l.name] = g
	}
	root.attrs = []h5Attr{
		{name: "backend", values: []string{"tensorflow"}, scalar: true},
		{name: "keras_version", values: []string{"2.1.6"}, scalar: true},
		{name: "layer_names", values: layerNames},
	}
	return root
}

func ramp(n int, start, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

func backboneLayers() []kerasLayer {
	layers := []kerasLayer{
		{name: "input_1"},
		{name: "Conv1", weights: []kerasWeight{{"Conv1/kernel:0", []int{3, 3, 3, 2}, ramp(54, -1, 0.125)}}},
		{name: "bn_Conv1", weights: []kerasWeight{
			{"bn_Conv1/gamma:0", []int{2}, []float64{1, 0.5}},
			{"bn_Conv1/beta:0", []int{2}, []float64{0, -0.25}},
			{"bn_Conv1/moving_mean:0", []int{2}, []float64{0.125, 0.375}},
			{"bn_Conv1/moving_variance:0", []int{2}, []float64{2, 4}},
		}},
		{name: "Conv1_relu"},
		{name: "expanded_conv_depthwise", weights: []kerasWeight{
			{"expanded_conv_depthwise/depthwise_kernel:0", []int{3, 3, 2, 1}, ramp(18, 0, 0.5)},
		}},
	}
	// Enough layers to spread the root group over several symbol table nodes.
	for i := 1; i <= 12; i++ {
		name := "block_" + string(rune('a'+i)) + "_project"
		layers = append(layers, kerasLayer{name: name, weights: []kerasWeight{
			{name + "/kernel:0", []int{1, 1, 2, 2}, ramp(4, float64(i), 1)},
		}})
	}
	return layers
}

func TestDecodeKerasH5(t *testing.T) {
	w := &h5Writer{fanout: 2, split: true}
	b := w.file(kerasWeightsFile(backboneLayers()))

	state, err := DecodeKerasH5(b)
	require.NoError(t, err)
	assert.Len(t, state, 1+4+1+12)

	kernel := state["Conv1/kernel"]
	require.NotNil(t, kernel)
	assert.Equal(t, []int{3, 3, 3, 2}, kernel.Shape)
	assert.Equal(t, float32(-1), kernel.Data[0])
	assert.Equal(t, float32(-1+53*0.125), kernel.Data[53])

	assert.Equal(t, []float32{2, 4}, state["bn_Conv1/moving_variance"].Data)
	assert.Equal(t, []float32{0, -0.25}, state["bn_Conv1/beta"].Data)
	assert.Equal(t, []int{3, 3, 2, 1}, state["expanded_conv_depthwise/depthwise_kernel"].Shape)
	assert.Equal(t, []float32{12, 13, 14, 15}, state["block_m_project/kernel"].Data)
	assert.NotContains(t, state, "input_1")
}

func TestDecodeKerasH5SingleSymbolNode(t *testing.T) {
	b := (&h5Writer{}).file(kerasWeightsFile(backboneLayers()[:3]))
	state, err := DecodeKerasH5(b)
	require.NoError(t, err)
	assert.Len(t, state, 5)
	assert.Equal(t, []float32{1, 0.5}, state["bn_Conv1/gamma"].Data)
}

func TestDecodeKerasH5Float64AndWalk(t *testing.T) {
	// No layer_names: every dataset is keyed by its parent group.
	root := newH5Group()
	root.subgroup("dense").subgroup("dense").members["bias:0"] = &h5Data{shape: []int{3}, values: []float64{0.5, -1.5, 3}, double: true}
	root.subgroup("dense").subgroup("dense").members["kernel:0"] = &h5Data{shape: []int{2, 3}, values: ramp(6, 0, 1)}

	state, err := DecodeKerasH5((&h5Writer{}).file(root))
	require.NoError(t, err)
	require.Len(t, state, 2)
	assert.Equal(t, []float32{0.5, -1.5, 3}, state["dense/bias"].Data)
	assert.Equal(t, []int{2, 3}, state["dense/kernel"].Shape)
}

func TestDecodeKerasH5Errors(t *testing.T) {
	withData := func(d *h5Data) []byte {
		root := newH5Group(h5Attr{name: "layer_names", values: []string{"Conv1"}})
		g := root.subgroup("Conv1")
		g.attrs = []h5Attr{{name: "weight_names", values: []string{"Conv1/kernel:0"}}}
		g.subgroup("Conv1").members["kernel:0"] = d
		return (&h5Writer{}).file(root)
	}

	_, err := DecodeKerasH5(withData(&h5Data{shape: []int{2}, values: []float64{1, 2}, filtered: true}))
	assert.True(t, errors.Is(err, ErrUnsupportedHDF5), "filtered: %v", err)

	_, err = DecodeKerasH5(withData(&h5Data{shape: []int{2}, values: []float64{1, 2}, chunked: true}))
	assert.True(t, errors.Is(err, ErrUnsupportedHDF5), "chunked: %v", err)

	good := withData(&h5Data{shape: []int{2}, values: []float64{1, 2}})
	_, err = DecodeKerasH5(good)
	require.NoError(t, err)
	for _, n := range []int{0, 40, 100, len(good) / 2, len(good) - 3} {
		_, err = DecodeKerasH5(good[:n])
		assert.Error(t, err, "truncated to %d bytes", n)
	}

	_, err = DecodeKerasH5(EncodeArchive("backbone", sampleState()))
	assert.Error(t, err)

	missing := newH5Group(h5Attr{name: "layer_names", values: []string{"Conv1"}})
	_, err = DecodeKerasH5((&h5Writer{}).file(missing))
	assert.Error(t, err)
}

func TestKerasFileName(t *testing.T) {
	cases := map[string]string{
		"mobilenet_v2_0.50_224_no_top": "mobilenet_v2_weights_tf_dim_ordering_tf_kernels_0.5_224_no_top.h5",
		"mobilenet_v2_1.0_224":         "mobilenet_v2_weights_tf_dim_ordering_tf_kernels_1.0_224.h5",
		"mobilenet_v2_1_160_no_top":    "mobilenet_v2_weights_tf_dim_ordering_tf_kernels_1.0_160_no_top.h5",
		"mobilenet_v2_0.35_96_no_top":  "mobilenet_v2_weights_tf_dim_ordering_tf_kernels_0.35_96_no_top.h5",
	}
	for arch, want := range cases {
		got, err := KerasFileName(arch, "imagenet")
		require.NoError(t, err, arch)
		assert.Equal(t, want, got)
	}

	_, err := KerasFileName("mobilenet_v2_0.50_224_no_top", "noisy_student")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = KerasFileName("resnet50", "imagenet")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestHTTPProviderFetchesKerasRelease(t *testing.T) {
	const arch = "mobilenet_v2_0.50_224_no_top"
	name, err := KerasFileName(arch, "imagenet")
	require.NoError(t, err)
	file := (&h5Writer{}).file(kerasWeightsFile(backboneLayers()[:3]))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/mobilenet_v2/"+name {
			http.NotFound(w, r)
			return
		}
		w.Write(file)
	}))
	defer srv.Close()

	cache := t.TempDir()
	p := NewHTTPProvider(HTTPProviderConfig{
		BaseURL:  srv.URL + "/mobilenet_v2",
		Format:   FormatKerasH5,
		CacheDir: cache,
		Timeout:  5 * time.Second,
	}, zerolog.Nop())

	state, err := p.Fetch(arch, "imagenet")
	require.NoError(t, err)
	assert.Equal(t, []int{3, 3, 3, 2}, state["Conv1/kernel"].Shape)

	cached, err := os.ReadFile(filepath.Join(cache, name))
	require.NoError(t, err)
	assert.Equal(t, file, cached)

	_, err = p.Fetch(arch, "noisy_student")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestFormatValid(t *testing.T) {
	assert.True(t, Format("").Valid())
	assert.True(t, FormatArchive.Valid())
	assert.True(t, FormatKerasH5.Valid())
	assert.False(t, Format("npz").Valid())
}
