package footprint

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/psantana5/diffusion-optimizer/pkg/models"
	"github.com/spf13/afero"
)

// MissingArtifactError reports that a footprint lacks exactly one entry of a required kind
type MissingArtifactError struct {
	Kind  PassKind
	Found int
}

// Error implements error interface
func (e *MissingArtifactError) Error() string {
	if e.Found == 0 {
		return fmt.Sprintf("missing %s artifact: the workflow engine did not run that stage", e.Kind)
	}
	return fmt.Sprintf("ambiguous %s artifact: found %d entries, expected exactly one", e.Kind, e.Found)
}

// Ambiguous reports whether more than one entry matched
func (e *MissingArtifactError) Ambiguous() bool {
	return e.Found > 1
}

// Located holds the two entries required from every submodel footprint
type Located struct {
	Conversion   Entry
	Optimization Entry
}

// Locate partitions footprint entries by pass kind and returns the single
// conversion and optimization entry. Entries without a model config are ignored.
func Locate(fp Footprints) (*Located, error) {
	var conversions, optimizations []Entry
	for _, id := range fp.sortedIDs() {
		entry := fp[id]
		if entry.ModelConfig == nil {
			continue
		}
		switch entry.Kind() {
		case PassKindConversion:
			conversions = append(conversions, entry)
		case PassKindOptimization:
			optimizations = append(optimizations, entry)
		}
	}

	if len(conversions) != 1 {
		return nil, &MissingArtifactError{Kind: PassKindConversion, Found: len(conversions)}
	}
	if len(optimizations) != 1 {
		return nil, &MissingArtifactError{Kind: PassKindOptimization, Found: len(optimizations)}
	}

	return &Located{
		Conversion:   conversions[0],
		Optimization: optimizations[0],
	}, nil
}

// Resolve locates both entries and resolves their model files into artifacts
func Resolve(fs afero.Fs, fp Footprints) (unoptimized, optimized models.Artifact, err error) {
	located, err := Locate(fp)
	if err != nil {
		return models.Artifact{}, models.Artifact{}, err
	}

	unoptimized, err = artifactFor(fs, located.Conversion)
	if err != nil {
		return models.Artifact{}, models.Artifact{}, err
	}
	optimized, err = artifactFor(fs, located.Optimization)
	if err != nil {
		return models.Artifact{}, models.Artifact{}, err
	}
	return unoptimized, optimized, nil
}

func artifactFor(fs afero.Fs, entry Entry) (models.Artifact, error) {
	path, err := ResolveModelPath(fs, entry.ModelConfig.Config)
	if err != nil {
		return models.Artifact{}, fmt.Errorf("failed to resolve %s model %s: %w", entry.FromPass, entry.ModelID, err)
	}
	return models.Artifact{
		Path:    path,
		Pass:    entry.FromPass,
		ModelID: entry.ModelID,
	}, nil
}

// ResolveModelPath turns a model config into the path of a loadable .onnx file.
// A file path is returned as-is; for a directory the configured onnx file name,
// then model.onnx, then the only .onnx file inside is used.
func ResolveModelPath(fs afero.Fs, cfg ModelConfigBody) (string, error) {
	if strings.TrimSpace(cfg.ModelPath) == "" {
		return "", fmt.Errorf("model config has no model_path")
	}

	info, err := fs.Stat(cfg.ModelPath)
	if err != nil {
		return "", fmt.Errorf("model path %s: %w", cfg.ModelPath, err)
	}
	if !info.IsDir() {
		return cfg.ModelPath, nil
	}

	candidates := []string{"model.onnx"}
	if cfg.OnnxFileName != "" {
		candidates = append([]string{cfg.OnnxFileName}, candidates...)
	}
	for _, name := range candidates {
		path := filepath.Join(cfg.ModelPath, name)
		if ok, _ := afero.Exists(fs, path); ok {
			return path, nil
		}
	}

	matches, err := afero.Glob(fs, filepath.Join(cfg.ModelPath, "*.onnx"))
	if err != nil {
		return "", fmt.Errorf("failed to search %s: %w", cfg.ModelPath, err)
	}
	if len(matches) == 1 {
		return matches[0], nil
	}
	return "", fmt.Errorf("model directory %s: expected one .onnx file, found %d: %w", cfg.ModelPath, len(matches), os.ErrNotExist)
}
