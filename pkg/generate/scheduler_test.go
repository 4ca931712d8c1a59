package generate

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/psantana5/diffusion-optimizer/pkg/engine"
	"github.com/psantana5/diffusion-optimizer/pkg/metrics"
	"github.com/psantana5/diffusion-optimizer/pkg/models"
	"github.com/spf13/afero"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/psantana5/diffusion-optimizer/pkg/tracing"
)

// fakeEngine reports every step and returns images named after their batch
// and position. flags[b] are the safety flags of batch b; batches past the
// end of flags reuse the last entry.
type fakeEngine struct {
	flags   [][]bool
	batches []engine.Batch
	err     error
	onBatch func(n int)
}

func (f *fakeEngine) RunBatch(ctx context.Context, batch engine.Batch, onStep func(int)) (*engine.Result, error) {
	n := len(f.batches)
	f.batches = append(f.batches, batch)
	if f.onBatch != nil {
		f.onBatch(n)
	}
	if f.err != nil {
		return nil, f.err
	}
	for step := 0; step < batch.Steps; step++ {
		onStep(step)
	}

	res := &engine.Result{}
	for i := range batch.Prompts {
		res.Images = append(res.Images, []byte(fmt.Sprintf("b%d-i%d", n, i)))
	}
	if len(f.flags) > 0 {
		idx := n
		if idx >= len(f.flags) {
			idx = len(f.flags) - 1
		}
		res.NSFW = f.flags[idx]
	}
	return res, nil
}

type recorder struct {
	steps  []int
	images []int
	paths  []string
}

func (r *recorder) OnProgress(step int) { r.steps = append(r.steps, step) }
func (r *recorder) OnImage(index int, path string) {
	r.images = append(r.images, index)
	r.paths = append(r.paths, path)
}

func newScheduler(fs afero.Fs) *Scheduler {
	return &Scheduler{Sink: NewDirSink(fs, "/out"), Metrics: metrics.New()}
}

func TestGenerate_ProgressIsMonotonic(t *testing.T) {
	fs := afero.NewMemMapFs()
	eng := &fakeEngine{}
	rec := &recorder{}
	req := models.GenerationRequest{Prompt: "a castle", Count: 4, BatchSize: 2, ImageSize: 512, Steps: 5}

	summary, err := newScheduler(fs).Generate(context.Background(), req, eng, rec)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if len(rec.steps) != 10 {
		t.Fatalf("Expected 10 progress events, got %d", len(rec.steps))
	}
	for i := 1; i < len(rec.steps); i++ {
		if rec.steps[i] <= rec.steps[i-1] {
			t.Fatalf("Progress not strictly increasing: %v", rec.steps)
		}
	}
	if rec.steps[0] != 1 || rec.steps[len(rec.steps)-1] != 2*req.Steps {
		t.Errorf("Expected progress from 1 to %d, got %v", 2*req.Steps, rec.steps)
	}
	if summary.Batches != 2 || summary.Accepted != 4 || summary.LastStep != 10 {
		t.Errorf("Unexpected summary %+v", summary)
	}
	if !reflect.DeepEqual(rec.images, []int{0, 1, 2, 3}) {
		t.Errorf("Expected image indices 0..3, got %v", rec.images)
	}
}

func TestGenerate_FilteredImagesAreReplaced(t *testing.T) {
	fs := afero.NewMemMapFs()
	eng := &fakeEngine{flags: [][]bool{{true, false, true, false}}}
	rec := &recorder{}
	req := models.GenerationRequest{Prompt: "x", Count: 4, BatchSize: 4, ImageSize: 512, Steps: 2}

	summary, err := newScheduler(fs).Generate(context.Background(), req, eng, rec)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if summary.Batches != 2 {
		t.Errorf("Expected 2 batches, got %d", summary.Batches)
	}
	if summary.Filtered != 4 || summary.Accepted != 4 {
		t.Errorf("Expected 4 filtered and 4 accepted, got %+v", summary)
	}

	want := []string{"b0-i1", "b0-i3", "b1-i1", "b1-i3"}
	for i, content := range want {
		data, err := afero.ReadFile(fs, filepath.Join("/out", ResultName(i)))
		if err != nil {
			t.Fatalf("Missing %s: %v", ResultName(i), err)
		}
		if string(data) != content {
			t.Errorf("%s: expected %s, got %s", ResultName(i), content, data)
		}
	}
}

func TestGenerate_BatchSpanEvents(t *testing.T) {
	spans := tracetest.NewSpanRecorder()
	s := newScheduler(afero.NewMemMapFs())
	s.Tracer = tracing.NewProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans)), "test")
	eng := &fakeEngine{flags: [][]bool{{true, false, false}}}
	req := models.GenerationRequest{Prompt: "x", Count: 1, BatchSize: 3, ImageSize: 512, Steps: 1}

	if _, err := s.Generate(context.Background(), req, eng, nil); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	ended := spans.Ended()
	if len(ended) != 1 {
		t.Fatalf("Expected 1 batch span, got %d", len(ended))
	}
	var names []string
	for _, ev := range ended[0].Events() {
		names = append(names, ev.Name)
	}
	want := []string{"image.filtered", "image.discarded"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("Expected events %v, got %v", want, names)
	}
}

type nilEngine struct{}

func (nilEngine) RunBatch(context.Context, engine.Batch, func(int)) (*engine.Result, error) {
	return nil, nil
}

func TestGenerate_NilResultIsAnError(t *testing.T) {
	req := models.GenerationRequest{Prompt: "x", Count: 1, BatchSize: 1, ImageSize: 512, Steps: 1}

	summary, err := newScheduler(afero.NewMemMapFs()).Generate(context.Background(), req, nilEngine{}, nil)
	if err == nil {
		t.Fatal("Expected an error for a missing engine result")
	}
	if summary.Batches != 1 || summary.Accepted != 0 {
		t.Errorf("Expected one failed batch, got %+v", summary)
	}
}

func TestGenerate_CapsAtCount(t *testing.T) {
	fs := afero.NewMemMapFs()
	rec := &recorder{}
	req := models.GenerationRequest{Prompt: "x", Count: 3, BatchSize: 2, ImageSize: 512, Steps: 1}

	summary, err := newScheduler(fs).Generate(context.Background(), req, &fakeEngine{}, rec)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if summary.Accepted != 3 || summary.Discarded != 1 {
		t.Errorf("Expected 3 accepted and 1 discarded, got %+v", summary)
	}
	if ok, _ := afero.Exists(fs, filepath.Join("/out", ResultName(3))); ok {
		t.Error("Expected no image beyond the requested count")
	}
	if len(rec.images) != 3 {
		t.Errorf("Expected 3 image callbacks, got %d", len(rec.images))
	}
}

func TestGenerate_AlwaysRejectedRunsUntilCancelled(t *testing.T) {
	fs := afero.NewMemMapFs()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng := &fakeEngine{
		flags: [][]bool{{true, true}},
		onBatch: func(n int) {
			if n == 4 {
				cancel()
			}
		},
	}
	rec := &recorder{}
	req := models.GenerationRequest{Prompt: "x", Count: 1, BatchSize: 2, ImageSize: 512, Steps: 1}

	summary, err := newScheduler(fs).Generate(ctx, req, eng, rec)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if summary.Batches != 5 {
		t.Errorf("Expected 5 batches before cancellation, got %d", summary.Batches)
	}
	if len(rec.images) != 0 || summary.Accepted != 0 {
		t.Errorf("Expected no images, got %v", rec.images)
	}
}

func TestGenerate_EngineErrorPropagates(t *testing.T) {
	oom := &engine.Error{Message: "out of memory"}
	req := models.GenerationRequest{Prompt: "x", Count: 1, BatchSize: 1, ImageSize: 512, Steps: 1}

	_, err := newScheduler(afero.NewMemMapFs()).Generate(context.Background(), req, &fakeEngine{err: oom}, nil)

	var engineErr *engine.Error
	if !errors.As(err, &engineErr) || engineErr != oom {
		t.Errorf("Expected engine error, got %v", err)
	}
}

func TestGenerate_Guidance(t *testing.T) {
	tests := []struct {
		name    string
		modelID string
		disable bool
		want    float64
	}{
		{"enabled", "runwayml/stable-diffusion-v1-5", false, engine.DefaultGuidanceScale},
		{"disabled", "runwayml/stable-diffusion-v1-5", true, 0},
		{"turbo forces off", models.TurboModelID, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := &fakeEngine{}
			s := newScheduler(afero.NewMemMapFs())
			s.ModelID = tt.modelID
			req := models.GenerationRequest{Prompt: "p", Count: 2, BatchSize: 2, ImageSize: 256, Steps: 1, DisableGuidance: tt.disable}

			if _, err := s.Generate(context.Background(), req, eng, nil); err != nil {
				t.Fatalf("Generate failed: %v", err)
			}
			got := eng.batches[0]
			if got.GuidanceScale != tt.want {
				t.Errorf("Expected guidance %v, got %v", tt.want, got.GuidanceScale)
			}
			if !reflect.DeepEqual(got.Prompts, []string{"p", "p"}) || got.Height != 256 || got.Width != 256 {
				t.Errorf("Unexpected batch %+v", got)
			}
		})
	}
}

func TestGenerate_InvalidRequest(t *testing.T) {
	req := models.GenerationRequest{Prompt: "x", Count: 1, BatchSize: 1, ImageSize: 500, Steps: 1}
	if _, err := newScheduler(afero.NewMemMapFs()).Generate(context.Background(), req, &fakeEngine{}, nil); err == nil {
		t.Error("Expected validation error for image size not divisible by 8")
	}
}

func TestChannelObserver_PreservesOrder(t *testing.T) {
	ch := make(chan models.Event, 16)
	obs := NewChannelObserver(context.Background(), ch)
	req := models.GenerationRequest{Prompt: "x", Count: 1, BatchSize: 1, ImageSize: 64, Steps: 2}

	if _, err := newScheduler(afero.NewMemMapFs()).Generate(context.Background(), req, &fakeEngine{}, obs); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	close(ch)

	var kinds []models.EventKind
	for ev := range ch {
		kinds = append(kinds, ev.Kind)
	}
	want := []models.EventKind{models.EventStep, models.EventStep, models.EventImage}
	if !reflect.DeepEqual(kinds, want) {
		t.Errorf("Expected %v, got %v", want, kinds)
	}
}
