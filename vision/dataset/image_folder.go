package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultPattern selects the files considered inside each class directory.
const DefaultPattern = "*.png"

// ImageFolderDataset lists image files under a root where each class has its
// own subdirectory. Labels are positions in the class list given at
// construction, so a class without files keeps its index.
type ImageFolderDataset struct {
	imagePaths []string
	labels     []int
	classNames []string
}

// NewImageFolderDataset enumerates root/<class>/<pattern> for every class in
// order. Matches are sorted lexically within a class. A missing class
// directory contributes no files.
func NewImageFolderDataset(root string, classNames []string, pattern string) (*ImageFolderDataset, error) {
	if len(classNames) == 0 {
		return nil, fmt.Errorf("no class names given")
	}
	if pattern == "" {
		pattern = DefaultPattern
	}

	dataset := &ImageFolderDataset{
		classNames: append([]string(nil), classNames...),
	}

	seen := make(map[string]bool, len(classNames))
	for classIdx, className := range classNames {
		if seen[className] {
			return nil, fmt.Errorf("duplicate class name %q", className)
		}
		seen[className] = true

		classPath := filepath.Join(root, className)
		if info, err := os.Stat(classPath); err != nil || !info.IsDir() {
			continue
		}

		files, err := filepath.Glob(filepath.Join(classPath, pattern))
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", classPath, err)
		}
		for _, file := range files {
			dataset.imagePaths = append(dataset.imagePaths, file)
			dataset.labels = append(dataset.labels, classIdx)
		}
	}

	return dataset, nil
}

// Len returns the number of items in the dataset
func (d *ImageFolderDataset) Len() int {
	return len(d.imagePaths)
}

// GetItem returns the image path and label at the given index
func (d *ImageFolderDataset) GetItem(index int) (string, int, error) {
	if index < 0 || index >= len(d.imagePaths) {
		return "", 0, fmt.Errorf("index %d out of range [0, %d)", index, len(d.imagePaths))
	}
	return d.imagePaths[index], d.labels[index], nil
}

// ClassDistribution returns the number of files per class, indexed by label.
func (d *ImageFolderDataset) ClassDistribution() []int {
	return countLabels(d.labels, len(d.classNames))
}

// String returns a string representation of the dataset
func (d *ImageFolderDataset) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("ImageFolderDataset: %d files, %d classes\n", len(d.imagePaths), len(d.classNames)))
	sb.WriteString("Class distribution:\n")

	dist := d.ClassDistribution()
	for i, className := range d.classNames {
		sb.WriteString(fmt.Sprintf("  %s: %d files\n", className, dist[i]))
	}

	return sb.String()
}

func countLabels(labels []int, numClasses int) []int {
	counts := make([]int, numClasses)
	for _, l := range labels {
		if l >= 0 && l < numClasses {
			counts[l]++
		}
	}
	return counts
}
