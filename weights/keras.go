package weights

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tsawler/go-gesture/engine"
)

// Format selects how an HTTPProvider names and decodes weight files.
type Format string

const (
	// FormatArchive is the ONNX initializer archive written by EncodeArchive.
	FormatArchive Format = "archive"
	// FormatKerasH5 is the HDF5 file published with keras.applications.
	FormatKerasH5 Format = "keras_h5"
)

// KerasApplicationsURL is where keras.applications publishes MobileNetV2 weights.
const KerasApplicationsURL = "https://storage.googleapis.com/tensorflow/keras-applications/mobilenet_v2"

var kerasArch = regexp.MustCompile(`^mobilenet_v2_([0-9]*\.?[0-9]+)_([0-9]+)(_no_top)?$`)

// KerasFileName maps an architecture such as "mobilenet_v2_0.50_224_no_top"
// to the released file, here
// "mobilenet_v2_weights_tf_dim_ordering_tf_kernels_0.5_224_no_top.h5".
func KerasFileName(arch, weightSet string) (string, error) {
	m := kerasArch.FindStringSubmatch(arch)
	if m == nil || weightSet != "imagenet" {
		return "", fmt.Errorf("no Keras release for %s/%s: %w", arch, weightSet, ErrNotFound)
	}
	alpha, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return "", fmt.Errorf("no Keras release for %s/%s: %w", arch, weightSet, ErrNotFound)
	}
	// The release names print alpha the way Python prints a float.
	a := strconv.FormatFloat(alpha, 'f', -1, 64)
	if !strings.Contains(a, ".") {
		a += ".0"
	}
	return "mobilenet_v2_weights_tf_dim_ordering_tf_kernels_" + a + "_" + m[2] + m[3] + ".h5", nil
}

// Valid reports whether f is a known format. The empty format means FormatArchive.
func (f Format) Valid() bool {
	switch f {
	case "", FormatArchive, FormatKerasH5:
		return true
	}
	return false
}

func (f Format) fileName(arch, weightSet string) (string, error) {
	if f == FormatKerasH5 {
		return KerasFileName(arch, weightSet)
	}
	return ArchiveName(arch, weightSet), nil
}

func (f Format) decode(b []byte) (map[string]*engine.Tensor, error) {
	if f == FormatKerasH5 {
		return DecodeKerasH5(b)
	}
	return DecodeArchive(b)
}
