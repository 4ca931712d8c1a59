package models

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestParseAccelerator(t *testing.T) {
	tests := []struct {
		in      string
		want    Accelerator
		wantErr bool
	}{
		{"", AcceleratorDML, false},
		{"dml", AcceleratorDML, false},
		{" CUDA ", AcceleratorCUDA, false},
		{"rocm", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseAccelerator(tt.in)
		if tt.wantErr {
			var target *UnsupportedTargetError
			if !errors.As(err, &target) {
				t.Errorf("ParseAccelerator(%q): expected UnsupportedTargetError, got %v", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseAccelerator(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
}

func TestUnsupportedTargetError_ListsAccelerators(t *testing.T) {
	msg := (&UnsupportedTargetError{Target: "rocm"}).Error()
	if !strings.Contains(msg, "supported: dml, cuda") {
		t.Errorf("Expected supported accelerators in message, got %q", msg)
	}
}

func TestAccelerator_JSON(t *testing.T) {
	job := SubmodelJob{Submodel: SubmodelUNet, Accelerator: AcceleratorCUDA, Status: JobStatusCompleted}
	data, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !strings.Contains(string(data), `"accelerator":"cuda"`) {
		t.Errorf("Expected accelerator name in JSON, got %s", data)
	}

	var decoded SubmodelJob
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded.Accelerator != AcceleratorCUDA {
		t.Errorf("Expected cuda, got %v", decoded.Accelerator)
	}

	if _, err := json.Marshal(Accelerator(42)); err == nil {
		t.Error("Expected an error marshaling an unknown accelerator")
	}
	if err := json.Unmarshal([]byte(`"rocm"`), new(Accelerator)); err == nil {
		t.Error("Expected an error decoding an unknown accelerator")
	}
}
