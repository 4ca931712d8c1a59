// Package footprint reads workflow engine footprint files and locates the
// conversion and optimization artifacts they record.
package footprint

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/psantana5/diffusion-optimizer/pkg/models"
	"github.com/spf13/afero"
)

// PassKind classifies the workflow pass that produced a footprint entry
type PassKind string

const (
	PassKindConversion   PassKind = "conversion"
	PassKindOptimization PassKind = "optimization"
	PassKindOther        PassKind = "other"
)

// Pass type names written by the workflow engine in from_pass
const (
	PassOnnxConversion              = "OnnxConversion"
	PassOrtTransformersOptimization = "OrtTransformersOptimization"
)

// ModelConfig is the serialized model handle stored with each entry
type ModelConfig struct {
	Type   string          `json:"type"`
	Config ModelConfigBody `json:"config"`
}

// ModelConfigBody holds the fields needed to rebuild a loadable model handle
type ModelConfigBody struct {
	ModelPath         string          `json:"model_path"`
	OnnxFileName      string          `json:"onnx_file_name,omitempty"`
	InferenceSettings json.RawMessage `json:"inference_settings,omitempty"`
}

// Entry is one step result recorded by the workflow engine
type Entry struct {
	ModelID       string       `json:"model_id"`
	ParentModelID string       `json:"parent_model_id,omitempty"`
	FromPass      string       `json:"from_pass"`
	ModelConfig   *ModelConfig `json:"model_config"`
}

// Kind returns the pass kind of the entry
func (e Entry) Kind() PassKind {
	switch e.FromPass {
	case PassOnnxConversion:
		return PassKindConversion
	case PassOrtTransformersOptimization:
		return PassKindOptimization
	default:
		return PassKindOther
	}
}

// Footprints maps engine-assigned model ids to their entries
type Footprints map[string]Entry

// FileName returns the footprint file name the engine writes for a submodel
func FileName(submodel models.Submodel, acc models.Accelerator) string {
	return fmt.Sprintf("%s_%s_footprints.json", submodel, acc.FootprintTag())
}

// Path returns the footprint file location under dir
func Path(dir string, submodel models.Submodel, acc models.Accelerator) string {
	return filepath.Join(dir, FileName(submodel, acc))
}

// Parse decodes a footprint document
func Parse(data []byte) (Footprints, error) {
	var fp Footprints
	if err := json.Unmarshal(data, &fp); err != nil {
		return nil, fmt.Errorf("failed to parse footprints: %w", err)
	}
	for id, entry := range fp {
		if entry.ModelID == "" {
			entry.ModelID = id
			fp[id] = entry
		}
	}
	return fp, nil
}

// Load reads and parses a footprint file
func Load(fs afero.Fs, path string) (Footprints, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read footprints %s: %w", path, err)
	}
	fp, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return fp, nil
}

// sortedIDs returns entry ids in a stable order so error messages are deterministic
func (f Footprints) sortedIDs() []string {
	ids := make([]string, 0, len(f))
	for id := range f {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
