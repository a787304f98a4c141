package dataset

import (
	"errors"

	"github.com/rs/zerolog"

	"github.com/tsawler/go-gesture/vision/preprocessing"
)

// ErrEmptyDataset is returned when no valid sample was found.
var ErrEmptyDataset = errors.New("dataset contains no valid images")

// Loader decodes one image file.
type Loader interface {
	Load(path string) preprocessing.LoadResult
	TargetSize() int
}

// Report summarizes an assembly run.
type Report struct {
	Loaded  []int // valid samples per class
	Skipped []int // skipped files per class
	Total   int
}

// Assembler walks the class directories and loads every image into memory.
type Assembler struct {
	root       string
	classNames []string
	pattern    string
	loader     Loader
	logger     zerolog.Logger
}

// NewAssembler creates an assembler for root/<class>/<pattern>.
func NewAssembler(root string, classNames []string, pattern string, loader Loader, logger zerolog.Logger) *Assembler {
	return &Assembler{
		root:       root,
		classNames: classNames,
		pattern:    pattern,
		loader:     loader,
		logger:     logger,
	}
}

// Assemble loads every matching file sequentially, in discovery order.
// Skipped files are excluded; the loader has already reported them.
func (a *Assembler) Assemble() (*Dataset, *Report, error) {
	folder, err := NewImageFolderDataset(a.root, a.classNames, a.pattern)
	if err != nil {
		return nil, nil, err
	}
	a.logger.Debug().Str("root", a.root).Msg(folder.String())

	report := &Report{
		Loaded:  make([]int, len(a.classNames)),
		Skipped: make([]int, len(a.classNames)),
	}
	var (
		images [][]float32
		labels []int
		paths  []string
	)
	for i := 0; i < folder.Len(); i++ {
		path, label, err := folder.GetItem(i)
		if err != nil {
			return nil, nil, err
		}
		res := a.loader.Load(path)
		if res.Skipped {
			report.Skipped[label]++
			continue
		}
		images = append(images, res.Image.Data)
		labels = append(labels, label)
		paths = append(paths, path)
		report.Loaded[label]++
	}
	report.Total = len(labels)

	counts := zerolog.Dict()
	for i, name := range a.classNames {
		counts.Int(name, report.Loaded[i])
	}
	a.logger.Info().
		Int("total", report.Total).
		Dict("per_class", counts).
		Msgf("Loaded %d images", report.Total)

	if report.Total == 0 {
		return nil, report, ErrEmptyDataset
	}

	size := a.loader.TargetSize()
	ds, err := NewDataset(images, labels, paths, a.classNames, size, size, preprocessing.Channels)
	if err != nil {
		return nil, report, err
	}
	return ds, report, nil
}
