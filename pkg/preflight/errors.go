package preflight

import (
	"fmt"

	"github.com/psantana5/diffusion-optimizer/pkg/models"
)

// IncompatibleRuntimeError is returned when the installed runtime is too old for the accelerator
type IncompatibleRuntimeError struct {
	Accelerator models.Accelerator
	Installed   string
	Required    string
}

// Error implements error interface
func (e *IncompatibleRuntimeError) Error() string {
	installed := e.Installed
	if installed == "" {
		installed = "not installed"
	}
	return fmt.Sprintf("onnxruntime %s is required for %s (installed: %s)", e.Required, e.Accelerator, installed)
}

// FatalDependencyError is returned when an installed package is known to break optimization
type FatalDependencyError struct {
	Package   string
	Installed string
	Max       string
}

// Error implements error interface
func (e *FatalDependencyError) Error() string {
	return fmt.Sprintf("%s %s is not supported, install %s<=%s before optimizing", e.Package, e.Installed, e.Package, e.Max)
}
