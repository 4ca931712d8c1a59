// Package preflight validates the runtime environment before optimization or
// generation and reports the host capabilities.
package preflight

import (
	"fmt"

	"github.com/psantana5/diffusion-optimizer/pkg/models"
	"github.com/psantana5/diffusion-optimizer/pkg/provider"
	"github.com/psantana5/diffusion-optimizer/pkg/versions"
)

const (
	// MinDMLRuntime is the oldest runtime with a usable DirectML provider
	MinDMLRuntime = "1.16.0"
	// MinCUDARuntime is the oldest runtime whose CUDA provider runs the optimized graphs
	MinCUDARuntime = "1.16.2"
	// MaxProtobuf is the newest protobuf release the conversion pass works with
	MaxProtobuf = "3.20.3"
)

// MinRuntime returns the minimum onnxruntime version for acc
func MinRuntime(acc models.Accelerator) string {
	if acc == models.AcceleratorCUDA {
		return MinCUDARuntime
	}
	return MinDMLRuntime
}

// CheckRuntime verifies the installed onnxruntime version for acc.
// It returns non-fatal warnings alongside a nil error.
func CheckRuntime(acc models.Accelerator, installed string) ([]string, error) {
	if !acc.Valid() {
		return nil, &models.UnsupportedTargetError{Target: acc.String()}
	}

	required := MinRuntime(acc)
	if !versions.Valid(installed) || versions.Less(installed, required) {
		return nil, &IncompatibleRuntimeError{Accelerator: acc, Installed: installed, Required: required}
	}

	var warnings []string
	if acc == models.AcceleratorCUDA && versions.Less(installed, provider.SkipGroupNormMinVersion) {
		warnings = append(warnings, fmt.Sprintf(
			"onnxruntime %s is older than %s, SkipGroupNorm fusion will be disabled for CUDA",
			installed, provider.SkipGroupNormMinVersion))
	}
	return warnings, nil
}

// CheckOptimizeDependencies verifies packages used by the conversion pass
func CheckOptimizeDependencies(protobuf string) error {
	if protobuf == "" || !versions.Valid(protobuf) {
		return nil
	}
	if versions.Compare(protobuf, MaxProtobuf) > 0 {
		return &FatalDependencyError{Package: "protobuf", Installed: protobuf, Max: MaxProtobuf}
	}
	return nil
}
