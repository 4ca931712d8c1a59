// Package workflow renders per-submodel workflow configurations and runs the
// external optimization workflow engine on them.
package workflow

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"text/template"

	"github.com/psantana5/diffusion-optimizer/pkg/models"
	"github.com/psantana5/diffusion-optimizer/pkg/provider"
	"github.com/spf13/afero"
)

//go:embed templates/*.json
var embedded embed.FS

// TemplateData is everything a configuration template may reference
type TemplateData struct {
	Submodel      models.Submodel
	Dimensions    models.Dimensions
	Accelerator   models.Accelerator
	FootprintsDir string
	CacheDir      string
}

// Templates loads config_{submodel}.json templates, preferring an override
// directory and falling back to the built-in set.
type Templates struct {
	override fs.FS
	builtin  fs.FS
}

// DefaultTemplates returns the built-in template set
func DefaultTemplates() *Templates {
	sub, _ := fs.Sub(embedded, "templates")
	return &Templates{builtin: sub}
}

// NewTemplates returns templates read from dir on afs, falling back to the
// built-in set for submodels the directory does not provide. An empty dir
// yields the built-in set.
func NewTemplates(afs afero.Fs, dir string) *Templates {
	t := DefaultTemplates()
	if dir != "" && afs != nil {
		t.override = afero.NewIOFS(afero.NewBasePathFs(afs, dir))
	}
	return t
}

// FileName returns the template file name for a submodel
func FileName(submodel models.Submodel) string {
	return "config_" + string(submodel) + ".json"
}

// Source returns the raw template text for a submodel
func (t *Templates) Source(submodel models.Submodel) ([]byte, error) {
	name := FileName(submodel)
	if t.override != nil {
		data, err := fs.ReadFile(t.override, name)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read template %s: %w", name, err)
		}
	}
	data, err := fs.ReadFile(t.builtin, name)
	if err != nil {
		return nil, fmt.Errorf("no workflow template for %s: %w", submodel, err)
	}
	return data, nil
}

// Render executes the submodel template with data and parses the result
func (t *Templates) Render(data TemplateData) (provider.WorkflowConfig, error) {
	if !data.Dimensions.Valid() {
		return nil, fmt.Errorf("invalid pipeline dimensions %+v", data.Dimensions)
	}

	src, err := t.Source(data.Submodel)
	if err != nil {
		return nil, err
	}

	tmpl, err := template.New(FileName(data.Submodel)).
		Option("missingkey=error").
		Funcs(funcs).
		Parse(string(src))
	if err != nil {
		return nil, fmt.Errorf("failed to parse template for %s: %w", data.Submodel, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to render template for %s: %w", data.Submodel, err)
	}

	cfg, err := provider.ParseWorkflowConfig(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("template for %s: %w", data.Submodel, err)
	}
	return cfg, nil
}

var funcs = template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
	"div": func(a, b int) int {
		if b == 0 {
			return 0
		}
		return a / b
	},
}
