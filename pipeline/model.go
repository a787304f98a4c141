package pipeline

import (
	"fmt"

	"github.com/tsawler/go-gesture/engine"
	"github.com/tsawler/go-gesture/layers"
	"github.com/tsawler/go-gesture/training"
	"github.com/tsawler/go-gesture/weights"
)

// BackboneName returns the group name of the pretrained feature extractor.
func (c Config) BackboneName() string {
	return layers.MobileNetV2Name(c.Alpha, c.TargetSize)
}

// BuildGestureSpec lays out the classifier:
//
//	input -> RandomRotation -> x*255 -> x/127.5-1 -> MobileNetV2
//	      -> GlobalAveragePooling2D -> Dropout -> Dense -> Softmax
func BuildGestureSpec(c Config) (*layers.ModelSpec, error) {
	return layers.NewModelBuilder(c.ModelName, []int{c.TargetSize, c.TargetSize, 3}).
		AddRandomRotation(c.RotationFactor, "random_rotation").
		AddRescaling(255, 0, "rescaling").
		AddRescaling(1/127.5, -1, "preprocess_input").
		AddMobileNetV2(c.Alpha, c.BackboneName()).
		AddGlobalAveragePooling2D("global_average_pooling2d").
		AddDropout(c.DropoutRate, "dropout").
		AddDense(len(c.ClassNames), true, "dense").
		AddSoftmax("softmax").
		Compile()
}

// BuildGestureModel builds the classifier and loads the pretrained backbone
// from provider. There is no fallback to random backbone weights: a failed
// fetch or a missing tensor is an error. The backbone is frozen on return.
func BuildGestureModel(c Config, provider weights.Provider, opts ...engine.Option) (*engine.Model, error) {
	spec, err := BuildGestureSpec(c)
	if err != nil {
		return nil, fmt.Errorf("failed to compile model: %w", err)
	}
	model, err := engine.NewModel(spec, opts...)
	if err != nil {
		return nil, err
	}

	state, err := provider.Fetch(c.Weights.Arch, c.Weights.WeightSet)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pretrained weights: %w", err)
	}
	backbone := c.BackboneName()
	if err := model.LoadGroup(state, backbone); err != nil {
		return nil, fmt.Errorf("failed to load pretrained weights: %w", err)
	}

	model.SetTrainable(training.FreezeGroup(backbone))
	return model, nil
}
