package models

// Submodel names one optimizable component of a diffusion pipeline
type Submodel string

const (
	SubmodelVAEEncoder    Submodel = "vae_encoder"
	SubmodelVAEDecoder    Submodel = "vae_decoder"
	SubmodelUNet          Submodel = "unet"
	SubmodelTextEncoder   Submodel = "text_encoder"
	SubmodelSafetyChecker Submodel = "safety_checker"
)

// CoreSubmodels is the fixed, ordered set every pipeline is optimized with
var CoreSubmodels = []Submodel{
	SubmodelVAEEncoder,
	SubmodelVAEDecoder,
	SubmodelUNet,
	SubmodelTextEncoder,
}

// SubmodelsFor returns the ordered submodel set, appending the safety checker when present
func SubmodelsFor(hasSafetyChecker bool) []Submodel {
	names := make([]Submodel, 0, len(CoreSubmodels)+1)
	names = append(names, CoreSubmodels...)
	if hasSafetyChecker {
		names = append(names, SubmodelSafetyChecker)
	}
	return names
}

// VariantSensitive reports whether fine-tuned variants (e.g. LoRA) change this submodel.
// Only these submodels are built from the variant identifier; the rest reuse the base model.
func (s Submodel) VariantSensitive() bool {
	return s == SubmodelUNet || s == SubmodelTextEncoder
}

// Dimensions holds the architecture constants derived from the source pipeline.
// They are computed once per optimization run and passed to every template render.
type Dimensions struct {
	VAESampleSize     int `json:"vae_sample_size" yaml:"vae_sample_size"`
	CrossAttentionDim int `json:"cross_attention_dim" yaml:"cross_attention_dim"`
	UNetSampleSize    int `json:"unet_sample_size" yaml:"unet_sample_size"`
}

// Valid reports whether all dimensions are positive
func (d Dimensions) Valid() bool {
	return d.VAESampleSize > 0 && d.CrossAttentionDim > 0 && d.UNetSampleSize > 0
}
