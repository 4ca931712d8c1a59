package preflight

import (
	"context"
	"errors"

	"github.com/psantana5/diffusion-optimizer/pkg/models"
)

// Report is the outcome of all preflight checks
type Report struct {
	Accelerator string                 `json:"accelerator" yaml:"accelerator"`
	Host        models.HostInfo        `json:"host" yaml:"host"`
	Runtime     models.RuntimeVersions `json:"runtime" yaml:"runtime"`
	Warnings    []string               `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	Errors      []string               `json:"errors,omitempty" yaml:"errors,omitempty"`

	err error
}

// Err returns the first fatal check failure
func (r *Report) Err() error {
	return r.err
}

// OK reports whether no fatal check failed
func (r *Report) OK() bool {
	return r.err == nil
}

// Options selects which checks Run performs
type Options struct {
	Accelerator models.Accelerator
	Prober      Prober
	// Optimizing enables the dependency and memory checks needed only for optimization
	Optimizing bool
	// DetectHost overrides host detection, mainly for tests
	DetectHost func(context.Context) (models.HostInfo, error)
}

// Run performs every preflight check and collects the results.
// Failures of one check do not stop the others.
func Run(ctx context.Context, opts Options) *Report {
	r := &Report{Accelerator: opts.Accelerator.String()}

	detect := opts.DetectHost
	if detect == nil {
		detect = DetectHost
	}
	host, err := detect(ctx)
	if err != nil {
		r.Warnings = append(r.Warnings, err.Error())
	}
	r.Host = host
	r.Warnings = append(r.Warnings, HostWarnings(host, opts.Accelerator, opts.Optimizing)...)

	if opts.Prober == nil {
		r.fail(errors.New("no runtime prober configured"))
		return r
	}
	versions, err := opts.Prober.Probe(ctx)
	if err != nil {
		r.fail(err)
		return r
	}
	r.Runtime = versions

	warnings, err := CheckRuntime(opts.Accelerator, versions.OnnxRuntime)
	r.Warnings = append(r.Warnings, warnings...)
	if err != nil {
		r.fail(err)
	}

	if opts.Optimizing {
		if err := CheckOptimizeDependencies(versions.Protobuf); err != nil {
			r.fail(err)
		}
	}
	return r
}

func (r *Report) fail(err error) {
	if r.err == nil {
		r.err = err
	}
	r.Errors = append(r.Errors, err.Error())
}
