package dataloader

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memDataset stores sample i as a single pixel with value i.
type memDataset struct {
	n int
}

func (m memDataset) Len() int                    { return m.n }
func (m memDataset) Image(i int) []float32       { return []float32{float32(i), float32(i)} }
func (m memDataset) ImageShape() (int, int, int) { return 1, 1, 2 }
func (m memDataset) LabelAt(i int) int           { return i % 3 }

func drain(dl *DataLoader) (values []int, sizes []int) {
	for {
		images, labels, n := dl.NextBatch()
		if n == 0 {
			return values, sizes
		}
		sizes = append(sizes, n)
		for i := 0; i < n; i++ {
			v := int(images[i*2])
			values = append(values, v)
			if labels[i] != v%3 {
				panic("label does not follow its image")
			}
		}
	}
}

func TestNextBatchSizes(t *testing.T) {
	dl, err := NewDataLoader(memDataset{n: 19}, Config{BatchSize: 8})
	require.NoError(t, err)

	values, sizes := drain(dl)
	assert.Equal(t, []int{8, 8, 3}, sizes)
	assert.Equal(t, 3, dl.NumBatches())
	for i, v := range values {
		assert.Equal(t, i, v, "unshuffled loader keeps order")
	}

	_, _, n := dl.NextBatch()
	assert.Zero(t, n, "an exhausted loader yields empty batches")
}

func TestShuffleCoversEverySampleOncePerEpoch(t *testing.T) {
	dl, err := NewDataLoader(memDataset{n: 30}, Config{BatchSize: 8, Shuffle: true, Rand: rand.New(rand.NewSource(3))})
	require.NoError(t, err)

	first, _ := drain(dl)
	dl.Reset()
	second, _ := drain(dl)

	assert.NotEqual(t, first, second, "each epoch reshuffles")
	for _, epoch := range [][]int{first, second} {
		sorted := append([]int(nil), epoch...)
		sort.Ints(sorted)
		for i, v := range sorted {
			assert.Equal(t, i, v)
		}
	}
}

func TestConfigValidation(t *testing.T) {
	_, err := NewDataLoader(memDataset{n: 1}, Config{BatchSize: 0})
	assert.Error(t, err)
	_, err = NewDataLoader(memDataset{n: 1}, Config{BatchSize: 1, Shuffle: true})
	assert.Error(t, err)
}

func TestEmptyDataset(t *testing.T) {
	dl, err := NewDataLoader(memDataset{n: 0}, Config{BatchSize: 4})
	require.NoError(t, err)
	_, _, n := dl.NextBatch()
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, dl.NumBatches())
}
