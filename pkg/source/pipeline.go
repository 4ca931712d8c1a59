// Package source materializes the source diffusion pipeline through the
// external model library and resolves fine-tuned variants to their base model.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/psantana5/diffusion-optimizer/pkg/logging"
	"github.com/psantana5/diffusion-optimizer/pkg/models"
	"github.com/spf13/afero"
)

// ManifestFile is written by the source helper next to the shared assets
const ManifestFile = "source.json"

// AssetDirs are the non-model pipeline components copied verbatim into every output layout
var AssetDirs = []string{"tokenizer", "scheduler", "feature_extractor"}

// Manifest is the helper's description of a materialized pipeline
type Manifest struct {
	ModelID          string            `json:"model_id"`
	Dimensions       models.Dimensions `json:"dimensions"`
	HasSafetyChecker bool              `json:"has_safety_checker"`
	// Components maps pipeline component names to their library class,
	// e.g. "scheduler": ["diffusers", "PNDMScheduler"]
	Components map[string][]string `json:"components,omitempty"`
}

// Pipeline is a materialized source pipeline on disk
type Pipeline struct {
	Manifest
	// AssetsDir holds tokenizer/, scheduler/ and feature_extractor/
	AssetsDir string
}

// Submodels returns the submodels to optimize for this pipeline
func (p *Pipeline) Submodels() []models.Submodel {
	return models.SubmodelsFor(p.HasSafetyChecker)
}

// Library loads a pipeline by identifier and exposes its assets and dimensions
type Library interface {
	Materialize(ctx context.Context, modelID string) (*Pipeline, error)
}

// LoadPipeline reads the manifest from dir
func LoadPipeline(fs afero.Fs, dir string) (*Pipeline, error) {
	path := filepath.Join(dir, ManifestFile)
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read source manifest %s: %w", path, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse source manifest %s: %w", path, err)
	}
	if !m.Dimensions.Valid() {
		return nil, fmt.Errorf("source manifest %s has invalid dimensions %+v", path, m.Dimensions)
	}
	return &Pipeline{Manifest: m, AssetsDir: dir}, nil
}

// CommandLibrary runs a helper process that downloads the pipeline and writes
// its shared assets plus source.json into Root/{sanitized model id}:
//
//	{Command} {Args...} --model {id} --output {dir}
type CommandLibrary struct {
	Command string
	Args    []string
	Root    string
	Env     []string
	Fs      afero.Fs
	Logger  *log.Logger
	// Refresh forces the helper to run even when a manifest is already cached
	Refresh bool
}

// NewCommandLibrary creates a library backed by the default helper script
func NewCommandLibrary(python, root string, logger *log.Logger) *CommandLibrary {
	return &CommandLibrary{
		Command: python,
		Args:    []string{"-m", "sdopt_source"},
		Root:    root,
		Fs:      afero.NewOsFs(),
		Logger:  logger,
	}
}

// Dir returns where the pipeline for modelID is materialized
func (l *CommandLibrary) Dir(modelID string) string {
	return filepath.Join(l.Root, SanitizeID(modelID))
}

// Materialize runs the helper once and loads the resulting manifest
func (l *CommandLibrary) Materialize(ctx context.Context, modelID string) (*Pipeline, error) {
	logger := logging.OrDiscard(l.Logger).With("component", "source", "model", modelID)
	fs := l.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	dir := l.Dir(modelID)

	if !l.Refresh {
		if p, err := LoadPipeline(fs, dir); err == nil {
			logger.Debug("using cached source pipeline", "dir", dir)
			return p, nil
		}
	}

	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create source directory %s: %w", dir, err)
	}

	args := append(append([]string{}, l.Args...), "--model", modelID, "--output", dir)
	cmd := exec.CommandContext(ctx, l.Command, args...)
	if len(l.Env) > 0 {
		cmd.Env = append(os.Environ(), l.Env...)
	}

	logger.Info("loading source pipeline")
	start := time.Now()
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("loading %s cancelled: %w", modelID, ctx.Err())
		}
		return nil, fmt.Errorf("failed to load source pipeline %s: %w: %s", modelID, err, tail(out, 2048))
	}

	p, err := LoadPipeline(fs, dir)
	if err != nil {
		return nil, err
	}
	logger.Info("source pipeline ready",
		"dur", time.Since(start).String(),
		"safety_checker", p.HasSafetyChecker,
		"unet_sample_size", p.Dimensions.UNetSampleSize,
	)
	return p, nil
}

// SanitizeID turns a hub identifier like "org/name" into a single path element
func SanitizeID(modelID string) string {
	r := strings.NewReplacer("/", "--", "\\", "--", ":", "_")
	return r.Replace(strings.Trim(modelID, "/\\"))
}

func tail(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		s = s[len(s)-n:]
	}
	return s
}
