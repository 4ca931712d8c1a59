package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
)

func TestObserveBatch(t *testing.T) {
	r := New()

	r.ObserveBatch(2*time.Second, 4, 3, 2)

	if got := testutil.ToFloat64(r.batches); got != 1 {
		t.Errorf("Expected 1 batch, got %v", got)
	}
	if got := testutil.ToFloat64(r.images.WithLabelValues(ImageAccepted)); got != 2 {
		t.Errorf("Expected 2 accepted images, got %v", got)
	}
	if got := testutil.ToFloat64(r.images.WithLabelValues(ImageFiltered)); got != 1 {
		t.Errorf("Expected 1 filtered image, got %v", got)
	}
	if got := testutil.ToFloat64(r.images.WithLabelValues(ImageDiscarded)); got != 1 {
		t.Errorf("Expected 1 discarded image, got %v", got)
	}
	if got := testutil.ToFloat64(r.passRatio); got != 0.75 {
		t.Errorf("Expected pass ratio 0.75, got %v", got)
	}
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	r.ObserveStage("clear", time.Second)
	r.ObserveWorkflowRun("unet", "dml", time.Second, errors.New("x"))
	r.ObserveStep()
	r.ObserveBatch(time.Second, 1, 1, 1)
	if err := r.WriteTextfile(afero.NewMemMapFs(), "/m.prom"); err != nil {
		t.Errorf("Expected nil recorder to be a no-op, got %v", err)
	}
}

func TestRouter(t *testing.T) {
	r := New()
	r.ObserveWorkflowRun("unet", "cuda", 3*time.Second, nil)

	server := httptest.NewServer(r.Router())
	defer server.Close()

	resp, err := http.Get(server.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `sdopt_workflow_runs_total{result="success",submodel="unet"} 1`) {
		t.Errorf("Expected workflow run counter in output, got:\n%s", body)
	}

	resp, err = http.Get(server.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
}

func TestWriteTextfile(t *testing.T) {
	fs := afero.NewMemMapFs()
	r := New()
	r.ObserveStage("assemble", 1500*time.Millisecond)

	if err := r.WriteTextfile(fs, "/out/metrics/sdopt.prom"); err != nil {
		t.Fatalf("WriteTextfile failed: %v", err)
	}
	data, err := afero.ReadFile(fs, "/out/metrics/sdopt.prom")
	if err != nil {
		t.Fatalf("Failed to read metrics file: %v", err)
	}
	if !strings.Contains(string(data), `sdopt_optimize_stage_duration_seconds_count{stage="assemble"} 1`) {
		t.Errorf("Expected stage histogram in text file, got:\n%s", data)
	}
}
