// Package metrics records optimization and generation metrics in a private
// Prometheus registry and exposes them over HTTP or as a text file.
package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/afero"
)

const namespace = "sdopt"

// Image outcomes used as the result label of the images counter
const (
	ImageAccepted  = "accepted"
	ImageFiltered  = "filtered"
	ImageDiscarded = "discarded"
)

// Recorder holds every sdopt metric. A nil *Recorder records nothing.
type Recorder struct {
	registry *prometheus.Registry

	stageDuration    *prometheus.HistogramVec
	submodelDuration *prometheus.HistogramVec
	workflowRuns     *prometheus.CounterVec
	batches          prometheus.Counter
	images           *prometheus.CounterVec
	steps            prometheus.Counter
	batchDuration    prometheus.Histogram
	passRatio        prometheus.Gauge
}

// New creates a recorder with its own registry
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "optimize_stage_duration_seconds",
				Help:      "Duration of each optimization stage",
				Buckets:   prometheus.ExponentialBuckets(0.1, 4, 8),
			},
			[]string{"stage"},
		),
		submodelDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "optimize_submodel_duration_seconds",
				Help:      "Duration of one workflow run per submodel",
				Buckets:   prometheus.ExponentialBuckets(1, 3, 8),
			},
			[]string{"submodel", "accelerator"},
		),
		workflowRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflow_runs_total",
				Help:      "Workflow engine invocations by submodel and result",
			},
			[]string{"submodel", "result"},
		),
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generate_batches_total",
			Help:      "Batches issued to the inference engine",
		}),
		images: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "generate_images_total",
				Help:      "Generated images by outcome",
			},
			[]string{"result"},
		),
		steps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generate_steps_total",
			Help:      "Denoising steps reported by the inference engine",
		}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generate_batch_duration_seconds",
			Help:      "Wall time of one inference batch",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		passRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "generate_pass_ratio",
			Help:      "Fraction of the last batch that passed the safety filter",
		}),
	}

	r.registry.MustRegister(
		r.stageDuration,
		r.submodelDuration,
		r.workflowRuns,
		r.batches,
		r.images,
		r.steps,
		r.batchDuration,
		r.passRatio,
		collectors.NewGoCollector(),
	)
	return r
}

// Registry returns the underlying registry
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// ObserveStage records how long an optimization stage took
func (r *Recorder) ObserveStage(stage string, d time.Duration) {
	if r == nil {
		return
	}
	r.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveWorkflowRun records one workflow engine invocation
func (r *Recorder) ObserveWorkflowRun(submodel, accelerator string, d time.Duration, err error) {
	if r == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	r.workflowRuns.WithLabelValues(submodel, result).Inc()
	r.submodelDuration.WithLabelValues(submodel, accelerator).Observe(d.Seconds())
}

// ObserveStep records one reported denoising step
func (r *Recorder) ObserveStep() {
	if r == nil {
		return
	}
	r.steps.Inc()
}

// ObserveBatch records a finished batch and its filter outcome
func (r *Recorder) ObserveBatch(d time.Duration, size, passed, saved int) {
	if r == nil {
		return
	}
	r.batches.Inc()
	r.batchDuration.Observe(d.Seconds())
	r.images.WithLabelValues(ImageAccepted).Add(float64(saved))
	r.images.WithLabelValues(ImageFiltered).Add(float64(size - passed))
	r.images.WithLabelValues(ImageDiscarded).Add(float64(passed - saved))
	if size > 0 {
		r.passRatio.Set(float64(passed) / float64(size))
	}
}

// Handler returns the Prometheus HTTP handler for the registry
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Router returns a router exposing /metrics and /healthz
func (r *Recorder) Router() *mux.Router {
	router := mux.NewRouter()
	router.Handle("/metrics", r.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)
	return router
}

// Server returns an HTTP server for the metrics router
func (r *Recorder) Server(addr string) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      r.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Encode renders every gathered family in the Prometheus text format
func (r *Recorder) Encode() ([]byte, error) {
	families, err := r.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("failed to gather metrics: %w", err)
	}

	var buf bytes.Buffer
	encoder := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := encoder.Encode(mf); err != nil {
			return nil, fmt.Errorf("failed to encode metric %s: %w", mf.GetName(), err)
		}
	}
	return buf.Bytes(), nil
}

// WriteTextfile writes the metrics to path, for node-exporter style collection
func (r *Recorder) WriteTextfile(fs afero.Fs, path string) error {
	if r == nil {
		return nil
	}
	data, err := r.Encode()
	if err != nil {
		return err
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := afero.WriteFile(fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write metrics file: %w", err)
	}
	return fs.Rename(tmp, path)
}
