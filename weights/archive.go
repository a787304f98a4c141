// Package weights supplies pretrained parameter tensors for model backbones.
//
// An archive is an ONNX ModelProto whose graph carries no nodes, only FLOAT
// initializers named "<layer>/<param>" in Keras (HWIO) layout.
package weights

import (
	"fmt"
	"sort"

	"github.com/tsawler/go-gesture/checkpoints/onnxpb"
	"github.com/tsawler/go-gesture/engine"
)

const archiveIRVersion = 7

// ArchiveName returns the file name of a weight archive, e.g.
// "mobilenet_v2_0.50_224_no_top.imagenet.pb".
func ArchiveName(arch, weightSet string) string {
	return arch + "." + weightSet + ".pb"
}

// EncodeArchive serializes state. Tensors are written in key order so the
// output is deterministic.
func EncodeArchive(name string, state map[string]*engine.Tensor) []byte {
	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	graph := &onnxpb.GraphProto{Name: name}
	for _, k := range keys {
		t := state[k]
		graph.Initializer = append(graph.Initializer, onnxpb.FloatTensor(k, t.Shape, t.Data))
	}
	return onnxpb.Marshal(&onnxpb.ModelProto{
		IrVersion:    archiveIRVersion,
		ProducerName: "go-gesture",
		Graph:        graph,
	})
}

// DecodeArchive parses an archive written by EncodeArchive or any ONNX model
// whose initializers follow the same naming.
func DecodeArchive(b []byte) (map[string]*engine.Tensor, error) {
	m, err := onnxpb.Unmarshal(b)
	if err != nil {
		return nil, fmt.Errorf("failed to decode weight archive: %w", err)
	}
	if m.Graph == nil {
		return nil, fmt.Errorf("weight archive has no graph")
	}

	state := make(map[string]*engine.Tensor, len(m.Graph.Initializer))
	for _, init := range m.Graph.Initializer {
		data, err := init.Floats()
		if err != nil {
			return nil, err
		}
		if _, dup := state[init.Name]; dup {
			return nil, fmt.Errorf("duplicate tensor %q in weight archive", init.Name)
		}
		state[init.Name] = &engine.Tensor{Shape: init.Shape(), Data: data}
	}
	return state, nil
}
