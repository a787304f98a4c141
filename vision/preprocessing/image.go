package preprocessing

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg" // register decoders for image.Decode
	_ "image/png"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// Channels is the channel count of every processed image.
const Channels = 3

// ErrWrongShape reports a decoded image whose size differs from the target.
var ErrWrongShape = errors.New("unexpected image shape")

// ImageProcessor decodes gesture images into normalized HWC float32 arrays.
// Only the green channel of the source is kept; it is replicated into all
// three output channels.
type ImageProcessor struct {
	mu            sync.Mutex
	processBuffer []float32
	targetSize    int
	logger        zerolog.Logger
}

// NewImageProcessor creates a new image processor with the specified target size
func NewImageProcessor(targetSize int, logger zerolog.Logger) *ImageProcessor {
	return &ImageProcessor{
		targetSize: targetSize,
		logger:     logger,
	}
}

// TargetSize returns the required image height and width.
func (p *ImageProcessor) TargetSize() int {
	return p.targetSize
}

// ProcessedImage represents a preprocessed image ready for neural network input
type ProcessedImage struct {
	Data     []float32
	Width    int
	Height   int
	Channels int
}

// Shape describes what was observed when an image was read. Unreadable
// files have no shape.
type Shape struct {
	Height, Width, Channels int
	Known                   bool
}

func (s Shape) String() string {
	if !s.Known {
		return "None"
	}
	return fmt.Sprintf("(%d, %d, %d)", s.Height, s.Width, s.Channels)
}

// LoadResult is the outcome of loading one file: either an image or a skip.
type LoadResult struct {
	Path     string
	Image    *ProcessedImage
	Skipped  bool
	Observed Shape
	Err      error
}

// DecodeAndPreprocess decodes an image and converts it to HWC format
// normalized to [0, 1]. The decoded image must be exactly targetSize square.
func (p *ImageProcessor) DecodeAndPreprocess(reader io.Reader) (*ProcessedImage, Shape, error) {
	img, _, err := image.Decode(reader)
	if err != nil {
		return nil, Shape{}, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	shape := Shape{Height: height, Width: width, Channels: Channels, Known: true}
	if width != p.targetSize || height != p.targetSize {
		return nil, shape, ErrWrongShape
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Reuse data buffer
	requiredSize := Channels * p.targetSize * p.targetSize
	if len(p.processBuffer) < requiredSize {
		p.processBuffer = make([]float32, requiredSize)
	}
	data := p.processBuffer[:requiredSize]

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			g := float32(greenAt(img, bounds.Min.X+x, bounds.Min.Y+y)) / 255.0
			idx := (y*width + x) * Channels
			data[idx] = g
			data[idx+1] = g
			data[idx+2] = g
		}
	}

	// Create a copy since we're returning a slice of the reusable buffer
	result := make([]float32, len(data))
	copy(result, data)

	return &ProcessedImage{
		Data:     result,
		Width:    width,
		Height:   height,
		Channels: Channels,
	}, shape, nil
}

// greenAt returns the 8-bit, non-premultiplied green value of a pixel.
func greenAt(img image.Image, x, y int) uint8 {
	switch im := img.(type) {
	case *image.NRGBA:
		return im.Pix[im.PixOffset(x, y)+1]
	case *image.RGBA:
		i := im.PixOffset(x, y)
		if a := im.Pix[i+3]; a != 0xff {
			if a == 0 {
				return 0
			}
			return uint8(uint32(im.Pix[i+1]) * 0xff / uint32(a))
		}
		return im.Pix[i+1]
	case *image.Gray:
		return im.Pix[im.PixOffset(x, y)]
	case *image.Gray16:
		return im.Pix[im.PixOffset(x, y)]
	case *image.NRGBA64:
		return im.Pix[im.PixOffset(x, y)+2]
	}
	c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
	return c.G
}

// Load reads one image from disk. Unreadable files and files of the wrong
// size are skipped with exactly one warning naming the path and observed shape.
func (p *ImageProcessor) Load(path string) LoadResult {
	res := LoadResult{Path: path}

	f, err := os.Open(path)
	if err != nil {
		res.Skipped, res.Err = true, err
		p.warnSkip(res)
		return res
	}
	defer f.Close()

	img, shape, err := p.DecodeAndPreprocess(f)
	res.Observed = shape
	if err != nil {
		res.Skipped, res.Err = true, err
		p.warnSkip(res)
		return res
	}
	res.Image = img
	return res
}

func (p *ImageProcessor) warnSkip(res LoadResult) {
	expected := Shape{Height: p.targetSize, Width: p.targetSize, Channels: Channels, Known: true}
	p.logger.Warn().
		Str("path", res.Path).
		Str("shape", res.Observed.String()).
		Str("expected", expected.String()).
		Msgf("Skipping %s: shape %s, expected %s", res.Path, res.Observed, expected)
}
