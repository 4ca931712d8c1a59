package models

import (
	"fmt"
	"strings"
)

// Accelerator identifies the hardware target an optimized pipeline is built for
type Accelerator int

const (
	// AcceleratorDML is DirectML, the default execution path
	AcceleratorDML Accelerator = iota
	// AcceleratorCUDA is the NVIDIA CUDA execution path
	AcceleratorCUDA
)

// Accelerators lists every supported accelerator in declaration order
var Accelerators = []Accelerator{AcceleratorDML, AcceleratorCUDA}

// UnsupportedTargetError is returned for an accelerator outside the closed set
type UnsupportedTargetError struct {
	Target string
}

// Error implements error interface
func (e *UnsupportedTargetError) Error() string {
	names := make([]string, len(Accelerators))
	for i, a := range Accelerators {
		names[i] = a.String()
	}
	return fmt.Sprintf("unsupported accelerator %q (supported: %s)", e.Target, strings.Join(names, ", "))
}

// ParseAccelerator parses an accelerator name such as "dml" or "cuda"
func ParseAccelerator(name string) (Accelerator, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "dml":
		return AcceleratorDML, nil
	case "cuda":
		return AcceleratorCUDA, nil
	default:
		return 0, &UnsupportedTargetError{Target: name}
	}
}

// String returns the short accelerator name
func (a Accelerator) String() string {
	switch a {
	case AcceleratorDML:
		return "dml"
	case AcceleratorCUDA:
		return "cuda"
	default:
		return fmt.Sprintf("accelerator(%d)", int(a))
	}
}

// MarshalText encodes the accelerator by its short name
func (a Accelerator) MarshalText() ([]byte, error) {
	if !a.Valid() {
		return nil, &UnsupportedTargetError{Target: a.String()}
	}
	return []byte(a.String()), nil
}

// UnmarshalText decodes a short accelerator name
func (a *Accelerator) UnmarshalText(text []byte) error {
	parsed, err := ParseAccelerator(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Valid reports whether a is a member of the closed accelerator set
func (a Accelerator) Valid() bool {
	for _, known := range Accelerators {
		if a == known {
			return true
		}
	}
	return false
}

// ExecutionProvider returns the runtime execution provider name for the accelerator
func (a Accelerator) ExecutionProvider() string {
	switch a {
	case AcceleratorCUDA:
		return "CUDAExecutionProvider"
	default:
		return "DmlExecutionProvider"
	}
}

// OptimizedDirName returns the directory under models/ that holds optimized pipelines
func (a Accelerator) OptimizedDirName() string {
	if a == AcceleratorDML {
		return "optimized"
	}
	return "optimized-" + a.String()
}

// FootprintTag returns the accelerator tag the workflow engine embeds in footprint file names
func (a Accelerator) FootprintTag() string {
	return "gpu-" + a.String()
}
