// Package pipeline writes the on-disk ONNX pipeline layout consumed by the
// inference engine and derives the optimized layout from the unoptimized one.
package pipeline

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/charmbracelet/log"
	"github.com/psantana5/diffusion-optimizer/pkg/logging"
	"github.com/psantana5/diffusion-optimizer/pkg/models"
	"github.com/spf13/afero"
)

const (
	// IndexFile describes the pipeline components
	IndexFile = "model_index.json"
	// ModelFile is the graph file inside each submodel directory
	ModelFile = "model.onnx"
	// WeightsFile is the external-data sidecar written by the conversion pass
	WeightsFile = "weights.pb"

	pipelineClass    = "OnnxStableDiffusionPipeline"
	diffusersVersion = "0.24.0"
)

var onnxComponent = []any{"diffusers", "OnnxRuntimeModel"}

var defaultAssetClasses = map[string][]any{
	"tokenizer":         {"transformers", "CLIPTokenizer"},
	"scheduler":         {"diffusers", "PNDMScheduler"},
	"feature_extractor": {"transformers", "CLIPImageProcessor"},
}

// Layout is everything needed to write one pipeline directory
type Layout struct {
	ModelID string
	// AssetsDir holds the shared non-model components; may be empty
	AssetsDir  string
	AssetDirs  []string
	Components map[string][]string
	// Models maps each submodel to the .onnx file to install
	Models map[models.Submodel]string
}

// HasSafetyChecker reports whether the layout installs a safety checker
func (l Layout) HasSafetyChecker() bool {
	_, ok := l.Models[models.SubmodelSafetyChecker]
	return ok
}

// Writer saves pipeline layouts to a filesystem
type Writer struct {
	Fs     afero.Fs
	Logger *log.Logger
}

// NewWriter creates a writer on fs
func NewWriter(fs afero.Fs, logger *log.Logger) *Writer {
	return &Writer{Fs: fs, Logger: logger}
}

// Save writes the layout into dir: model_index.json, the shared assets and
// one {submodel}/model.onnx per submodel with its weights sidecar when present.
func (w *Writer) Save(dir string, layout Layout) error {
	logger := logging.OrDiscard(w.Logger).With("component", "pipeline")

	if err := w.Fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create pipeline directory %s: %w", dir, err)
	}

	index, err := json.MarshalIndent(buildIndex(layout), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", IndexFile, err)
	}
	if err := afero.WriteFile(w.Fs, filepath.Join(dir, IndexFile), index, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", IndexFile, err)
	}

	if layout.AssetsDir != "" {
		for _, asset := range layout.AssetDirs {
			src := filepath.Join(layout.AssetsDir, asset)
			ok, err := afero.DirExists(w.Fs, src)
			if err != nil {
				return fmt.Errorf("failed to stat %s: %w", src, err)
			}
			if !ok {
				continue
			}
			if err := CopyTree(w.Fs, src, filepath.Join(dir, asset), nil); err != nil {
				return fmt.Errorf("failed to copy %s: %w", asset, err)
			}
		}
	}

	for _, sub := range sortedSubmodels(layout.Models) {
		src := layout.Models[sub]
		subDir := filepath.Join(dir, string(sub))
		if err := CopyFile(w.Fs, src, filepath.Join(subDir, ModelFile)); err != nil {
			return fmt.Errorf("failed to install %s: %w", sub, err)
		}

		weights := filepath.Join(filepath.Dir(src), WeightsFile)
		if ok, _ := afero.Exists(w.Fs, weights); ok {
			if err := CopyFile(w.Fs, weights, filepath.Join(subDir, WeightsFile)); err != nil {
				return fmt.Errorf("failed to install %s weights: %w", sub, err)
			}
		}
		logger.Debug("installed submodel", "submodel", sub, "from", src)
	}

	logger.Info("pipeline saved", "dir", dir, "submodels", len(layout.Models))
	return nil
}

// CopyWithoutWeights copies the pipeline at src to dst, leaving out every weights sidecar
func (w *Writer) CopyWithoutWeights(src, dst string) error {
	if err := CopyTree(w.Fs, src, dst, SkipNames(WeightsFile)); err != nil {
		return fmt.Errorf("failed to copy %s to %s: %w", src, dst, err)
	}
	return nil
}

// Overwrite replaces {dir}/{submodel}/model.onnx with each given model file
func (w *Writer) Overwrite(dir string, replacements map[models.Submodel]string) error {
	for _, sub := range sortedSubmodels(replacements) {
		dst := filepath.Join(dir, string(sub), ModelFile)
		if ok, _ := afero.Exists(w.Fs, filepath.Dir(dst)); !ok {
			return fmt.Errorf("pipeline %s has no %s directory", dir, sub)
		}
		if err := CopyFile(w.Fs, replacements[sub], dst); err != nil {
			return fmt.Errorf("failed to overwrite %s: %w", sub, err)
		}
	}
	return nil
}

// Submodels lists the submodel directories present in a pipeline directory
func (w *Writer) Submodels(dir string) ([]models.Submodel, error) {
	var found []models.Submodel
	for _, sub := range models.SubmodelsFor(true) {
		ok, err := afero.Exists(w.Fs, filepath.Join(dir, string(sub), ModelFile))
		if err != nil {
			return nil, err
		}
		if ok {
			found = append(found, sub)
		}
	}
	return found, nil
}

// Complete reports whether dir holds an index and every core submodel
func (w *Writer) Complete(dir string) bool {
	if ok, _ := afero.Exists(w.Fs, filepath.Join(dir, IndexFile)); !ok {
		return false
	}
	for _, sub := range models.CoreSubmodels {
		if ok, _ := afero.Exists(w.Fs, filepath.Join(dir, string(sub), ModelFile)); !ok {
			return false
		}
	}
	return true
}

func buildIndex(layout Layout) map[string]any {
	index := map[string]any{
		"_class_name":             pipelineClass,
		"_diffusers_version":      diffusersVersion,
		"_name_or_path":           layout.ModelID,
		"requires_safety_checker": layout.HasSafetyChecker(),
	}
	for _, sub := range models.SubmodelsFor(true) {
		if _, ok := layout.Models[sub]; ok {
			index[string(sub)] = onnxComponent
		} else {
			index[string(sub)] = []any{nil, nil}
		}
	}
	for name, class := range defaultAssetClasses {
		if c, ok := layout.Components[name]; ok && len(c) == 2 {
			index[name] = []any{c[0], c[1]}
			continue
		}
		index[name] = class
	}
	return index
}

func sortedSubmodels(m map[models.Submodel]string) []models.Submodel {
	subs := make([]models.Submodel, 0, len(m))
	for sub := range m {
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i] < subs[j] })
	return subs
}
