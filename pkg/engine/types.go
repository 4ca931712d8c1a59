// Package engine is the HTTP client for the external inference engine service.
package engine

// DefaultGuidanceScale is used when classifier free guidance is enabled
const DefaultGuidanceScale = 7.5

// TextSequenceLength is the tokenizer sequence length of the text encoder
const TextSequenceLength = 77

// LoadOptions selects the pipeline and session settings for the engine
type LoadOptions struct {
	ModelDir string `json:"model_dir"`
	Provider string `json:"provider"`
	// FreeDimensionOverrides pins symbolic input dimensions when static dims are enabled
	FreeDimensionOverrides map[string]int `json:"free_dimension_overrides,omitempty"`
	EnableMemPattern       bool           `json:"enable_mem_pattern"`
}

// StaticDimensions returns the free dimension overrides for a fixed batch and image size.
// With guidance the unet sees the conditional and unconditional halves in one batch.
func StaticDimensions(batchSize, imageSize int, guidance bool) map[string]int {
	unetBatch := batchSize
	if guidance {
		unetBatch *= 2
	}
	return map[string]int{
		"unet_sample_batch":    unetBatch,
		"unet_sample_channels": 4,
		"unet_sample_height":   imageSize / 8,
		"unet_sample_width":    imageSize / 8,
		"unet_time_batch":      1,
		"unet_hidden_batch":    unetBatch,
		"unet_hidden_sequence": TextSequenceLength,
	}
}

// Batch is one generation call
type Batch struct {
	Prompts       []string `json:"prompts"`
	Steps         int      `json:"num_inference_steps"`
	GuidanceScale float64  `json:"guidance_scale"`
	Height        int      `json:"height"`
	Width         int      `json:"width"`
}

// Result is the output of one batch, in prompt order
type Result struct {
	Images [][]byte
	// NSFW holds the safety checker flags; nil when the pipeline has no checker.
	// A missing entry for an index means the image was not flagged.
	NSFW []bool
}

// Flagged reports whether the image at index was rejected by the safety checker
func (r *Result) Flagged(index int) bool {
	return index < len(r.NSFW) && r.NSFW[index]
}

// event is one NDJSON line of the generate stream
type event struct {
	Type   string   `json:"type"`
	Step   int      `json:"step,omitempty"`
	Images []string `json:"images,omitempty"`
	NSFW   []*bool  `json:"nsfw_content_detected,omitempty"`
	Error  string   `json:"error,omitempty"`
}

const (
	eventStep   = "step"
	eventResult = "result"
	eventError  = "error"
)
