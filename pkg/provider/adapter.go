// Package provider adapts per-submodel workflow configurations to the target accelerator.
package provider

import (
	"github.com/psantana5/diffusion-optimizer/pkg/models"
	"github.com/psantana5/diffusion-optimizer/pkg/versions"
)

const (
	// SkipGroupNormMinVersion is the first runtime release whose SkipGroupNorm shape inference is correct
	SkipGroupNormMinVersion = "1.17.0"

	convertPass      = "convert"
	optimizeCUDAPass = "optimize_cuda"
)

// Adapter rewrites workflow configurations for an accelerator
type Adapter struct {
	// RuntimeVersion is the installed onnxruntime version; empty means unknown
	// and is treated as current.
	RuntimeVersion string
}

// NewAdapter creates an adapter for the given installed runtime version
func NewAdapter(runtimeVersion string) *Adapter {
	return &Adapter{RuntimeVersion: runtimeVersion}
}

// Adapt returns a configuration for acc derived from base. base is never modified.
func (a *Adapter) Adapt(base WorkflowConfig, acc models.Accelerator) (WorkflowConfig, error) {
	switch acc {
	case models.AcceleratorDML:
		// DirectML is the default execution path of every template.
		return base.Clone(), nil
	case models.AcceleratorCUDA:
		cfg := base.Clone()
		if cfg == nil {
			cfg = WorkflowConfig{}
		}
		if a.disableSkipGroupNorm() {
			cfg.Set(map[string]any{"enable_skip_group_norm": false},
				"passes", optimizeCUDAPass, "config", "optimization_options")
		}
		cfg.Set([]any{[]any{convertPass, optimizeCUDAPass}}, "pass_flows")
		cfg.Set([]any{acc.ExecutionProvider()}, "engine", "execution_providers")
		return cfg, nil
	default:
		return nil, &models.UnsupportedTargetError{Target: acc.String()}
	}
}

// DisablesSkipGroupNorm reports whether adapted CUDA configs turn off the SkipGroupNorm fusion
func (a *Adapter) DisablesSkipGroupNorm() bool {
	return a.disableSkipGroupNorm()
}

func (a *Adapter) disableSkipGroupNorm() bool {
	if a == nil || a.RuntimeVersion == "" || !versions.Valid(a.RuntimeVersion) {
		return false
	}
	return versions.Less(a.RuntimeVersion, SkipGroupNormMinVersion)
}
