package footprint

import (
	"errors"
	"testing"

	"github.com/psantana5/diffusion-optimizer/pkg/models"
	"github.com/spf13/afero"
)

func entry(pass, path string) Entry {
	return Entry{
		FromPass:    pass,
		ModelConfig: &ModelConfig{Type: "ONNXModel", Config: ModelConfigBody{ModelPath: path}},
	}
}

func TestLocate_ExactlyOneOfEach(t *testing.T) {
	fp := Footprints{
		"root":  {FromPass: "", ModelConfig: nil},
		"conv":  entry(PassOnnxConversion, "/cache/conv/model.onnx"),
		"opt":   entry(PassOrtTransformersOptimization, "/cache/opt/model.onnx"),
		"other": entry("OrtPerfTuning", "/cache/tuned/model.onnx"),
	}

	located, err := Locate(fp)
	if err != nil {
		t.Fatalf("Locate failed: %v", err)
	}
	if located.Conversion.ModelConfig.Config.ModelPath != "/cache/conv/model.onnx" {
		t.Errorf("Unexpected conversion entry: %+v", located.Conversion)
	}
	if located.Optimization.ModelConfig.Config.ModelPath != "/cache/opt/model.onnx" {
		t.Errorf("Unexpected optimization entry: %+v", located.Optimization)
	}
}

func TestLocate_MissingOrAmbiguous(t *testing.T) {
	tests := []struct {
		name      string
		fp        Footprints
		kind      PassKind
		found     int
		ambiguous bool
	}{
		{
			name:  "empty",
			fp:    Footprints{},
			kind:  PassKindConversion,
			found: 0,
		},
		{
			name:  "no optimization",
			fp:    Footprints{"a": entry(PassOnnxConversion, "/a")},
			kind:  PassKindOptimization,
			found: 0,
		},
		{
			name:  "no conversion",
			fp:    Footprints{"b": entry(PassOrtTransformersOptimization, "/b")},
			kind:  PassKindConversion,
			found: 0,
		},
		{
			name: "two conversions",
			fp: Footprints{
				"a": entry(PassOnnxConversion, "/a"),
				"b": entry(PassOnnxConversion, "/b"),
				"c": entry(PassOrtTransformersOptimization, "/c"),
			},
			kind:      PassKindConversion,
			found:     2,
			ambiguous: true,
		},
		{
			name: "optimization without model config",
			fp: Footprints{
				"a": entry(PassOnnxConversion, "/a"),
				"b": {FromPass: PassOrtTransformersOptimization},
			},
			kind:  PassKindOptimization,
			found: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Locate(tt.fp)

			var missing *MissingArtifactError
			if !errors.As(err, &missing) {
				t.Fatalf("Expected MissingArtifactError, got %v", err)
			}
			if missing.Kind != tt.kind || missing.Found != tt.found {
				t.Errorf("Expected kind=%s found=%d, got kind=%s found=%d", tt.kind, tt.found, missing.Kind, missing.Found)
			}
			if missing.Ambiguous() != tt.ambiguous {
				t.Errorf("Expected ambiguous=%v", tt.ambiguous)
			}
		})
	}
}

func TestParse_FillsModelIDFromKey(t *testing.T) {
	data := []byte(`{
		"0_OnnxConversion-abc": {
			"parent_model_id": "root",
			"from_pass": "OnnxConversion",
			"model_config": {"type": "ONNXModel", "config": {"model_path": "cache/models/0/output_model/model.onnx"}},
			"metrics": null,
			"is_pareto_frontier": false
		}
	}`)

	fp, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	got := fp["0_OnnxConversion-abc"]
	if got.ModelID != "0_OnnxConversion-abc" {
		t.Errorf("Expected model id from key, got %q", got.ModelID)
	}
	if got.Kind() != PassKindConversion {
		t.Errorf("Expected conversion kind, got %s", got.Kind())
	}
}

func TestResolveModelPath(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/file/unet.onnx", []byte("x"), 0o644)
	afero.WriteFile(fs, "/named/custom.onnx", []byte("x"), 0o644)
	afero.WriteFile(fs, "/named/model.onnx", []byte("x"), 0o644)
	afero.WriteFile(fs, "/default/model.onnx", []byte("x"), 0o644)
	afero.WriteFile(fs, "/single/only.onnx", []byte("x"), 0o644)
	afero.WriteFile(fs, "/single/weights.pb", []byte("x"), 0o644)
	afero.WriteFile(fs, "/many/a.onnx", []byte("x"), 0o644)
	afero.WriteFile(fs, "/many/b.onnx", []byte("x"), 0o644)

	tests := []struct {
		name    string
		cfg     ModelConfigBody
		want    string
		wantErr bool
	}{
		{"file", ModelConfigBody{ModelPath: "/file/unet.onnx"}, "/file/unet.onnx", false},
		{"named", ModelConfigBody{ModelPath: "/named", OnnxFileName: "custom.onnx"}, "/named/custom.onnx", false},
		{"default name", ModelConfigBody{ModelPath: "/default"}, "/default/model.onnx", false},
		{"single onnx", ModelConfigBody{ModelPath: "/single"}, "/single/only.onnx", false},
		{"ambiguous dir", ModelConfigBody{ModelPath: "/many"}, "", true},
		{"missing", ModelConfigBody{ModelPath: "/nope"}, "", true},
		{"empty", ModelConfigBody{}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveModelPath(fs, tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Expected error=%v, got %v", tt.wantErr, err)
			}
			if got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestResolve_ReturnsBothArtifacts(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/cache/conv/model.onnx", []byte("fp32"), 0o644)
	afero.WriteFile(fs, "/cache/opt/model.onnx", []byte("fp16"), 0o644)

	fp := Footprints{
		"conv": {ModelID: "conv", FromPass: PassOnnxConversion, ModelConfig: &ModelConfig{Config: ModelConfigBody{ModelPath: "/cache/conv"}}},
		"opt":  {ModelID: "opt", FromPass: PassOrtTransformersOptimization, ModelConfig: &ModelConfig{Config: ModelConfigBody{ModelPath: "/cache/opt/model.onnx"}}},
	}

	unopt, opt, err := Resolve(fs, fp)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if unopt.Path != "/cache/conv/model.onnx" || unopt.ModelID != "conv" {
		t.Errorf("Unexpected unoptimized artifact: %+v", unopt)
	}
	if opt.Path != "/cache/opt/model.onnx" || opt.Pass != PassOrtTransformersOptimization {
		t.Errorf("Unexpected optimized artifact: %+v", opt)
	}
}

func TestFileName(t *testing.T) {
	if got := FileName(models.SubmodelUNet, models.AcceleratorCUDA); got != "unet_gpu-cuda_footprints.json" {
		t.Errorf("Unexpected footprint file name %q", got)
	}
	if got := FileName(models.SubmodelVAEDecoder, models.AcceleratorDML); got != "vae_decoder_gpu-dml_footprints.json" {
		t.Errorf("Unexpected footprint file name %q", got)
	}
}
