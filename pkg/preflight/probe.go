package preflight

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/psantana5/diffusion-optimizer/pkg/models"
)

// probeScript prints the installed runtime package versions as JSON
const probeScript = `
import json
out = {}
try:
    import onnxruntime
    out["onnxruntime"] = onnxruntime.__version__
except Exception:
    out["onnxruntime"] = ""
try:
    import google.protobuf
    out["protobuf"] = google.protobuf.__version__
except Exception:
    out["protobuf"] = ""
print(json.dumps(out))
`

// Prober reports installed runtime versions
type Prober interface {
	Probe(ctx context.Context) (models.RuntimeVersions, error)
}

// StaticProber returns fixed versions, typically pinned in configuration
type StaticProber struct {
	Versions models.RuntimeVersions
}

// Probe returns the pinned versions
func (s StaticProber) Probe(context.Context) (models.RuntimeVersions, error) {
	return s.Versions, nil
}

// CommandProber asks a Python interpreter which packages are installed
type CommandProber struct {
	Python string
	Args   []string
}

// NewCommandProber creates a prober for the given interpreter
func NewCommandProber(python string) *CommandProber {
	return &CommandProber{Python: python, Args: []string{"-c", probeScript}}
}

// Probe runs the interpreter and decodes its JSON answer
func (p *CommandProber) Probe(ctx context.Context) (models.RuntimeVersions, error) {
	var versions models.RuntimeVersions

	cmd := exec.CommandContext(ctx, p.Python, p.Args...)
	out, err := cmd.Output()
	if err != nil {
		return versions, fmt.Errorf("failed to probe runtime with %s: %w", p.Python, err)
	}

	line := lastLine(string(out))
	if err := json.Unmarshal([]byte(line), &versions); err != nil {
		return versions, fmt.Errorf("failed to parse runtime probe output %q: %w", line, err)
	}
	return versions, nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
