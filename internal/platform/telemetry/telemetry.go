// Package telemetry owns the prometheus registry and the otel tracer used by
// the HTTP layer and the document processor.
package telemetry

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Config struct {
	ServiceName    string
	ServiceVersion string
	// RuntimeCollectors registers the go and process collectors.
	RuntimeCollectors bool
}

func (c *Config) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "record-server"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
}

// Provider holds every collector of the service on a dedicated registry.
// All recording methods are safe on a nil *Provider.
type Provider struct {
	cfg      Config
	registry *prometheus.Registry
	tracer   trace.Tracer

	HTTPRequests        *prometheus.CounterVec
	HTTPDuration        *prometheus.HistogramVec
	ProcessingTotal     *prometheus.CounterVec
	ProcessingDuration  prometheus.Histogram
	LabResultsExtracted prometheus.Counter
	UploadHandshakes    *prometheus.CounterVec
	DispatchTotal       *prometheus.CounterVec
}

func NewProvider(cfg Config) *Provider {
	cfg.applyDefaults()
	reg := prometheus.NewRegistry()

	p := &Provider{
		cfg:      cfg,
		registry: reg,
		tracer:   otel.Tracer(cfg.ServiceName, trace.WithInstrumentationVersion(cfg.ServiceVersion)),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		ProcessingTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "document_processing_total",
			Help: "Document processor invocations by outcome",
		}, []string{"outcome"}),
		ProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "document_processing_duration_seconds",
			Help:    "Duration of document processor invocations",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),
		LabResultsExtracted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lab_results_extracted_total",
			Help: "Lab results written by the document processor",
		}),
		UploadHandshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "upload_handshakes_total",
			Help: "Upload handshake requests by outcome",
		}, []string{"outcome"}),
		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "processing_dispatch_total",
			Help: "Processing trigger dispatches by outcome",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		p.HTTPRequests,
		p.HTTPDuration,
		p.ProcessingTotal,
		p.ProcessingDuration,
		p.LabResultsExtracted,
		p.UploadHandshakes,
		p.DispatchTotal,
	)
	if cfg.RuntimeCollectors {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return p
}

func (p *Provider) Registry() *prometheus.Registry { return p.registry }

// MetricsHandler exposes the registry in the prometheus text format.
func (p *Provider) MetricsHandler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}))
}

// StartSpan opens a span on the service tracer. The exporter, if any, is
// whatever global TracerProvider the binary installed.
func (p *Provider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer("record-server")
	if p != nil {
		tracer = p.tracer
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err on span (when non-nil) and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func (p *Provider) ObserveHTTP(method, route, status string, d time.Duration) {
	if p == nil {
		return
	}
	p.HTTPRequests.WithLabelValues(method, route, status).Inc()
	p.HTTPDuration.WithLabelValues(method, route, status).Observe(d.Seconds())
}

func (p *Provider) ObserveProcessing(outcome string, d time.Duration, results int) {
	if p == nil {
		return
	}
	p.ProcessingTotal.WithLabelValues(outcome).Inc()
	p.ProcessingDuration.Observe(d.Seconds())
	if results > 0 {
		p.LabResultsExtracted.Add(float64(results))
	}
}

func (p *Provider) UploadHandshake(outcome string) {
	if p == nil {
		return
	}
	p.UploadHandshakes.WithLabelValues(outcome).Inc()
}

func (p *Provider) Dispatch(outcome string) {
	if p == nil {
		return
	}
	p.DispatchTotal.WithLabelValues(outcome).Inc()
}

// TracingMiddleware opens a server span per request named after the route.
func (p *Provider) TracingMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			route := c.Path()
			if route == "" {
				route = req.URL.Path
			}
			ctx, span := p.StartSpan(req.Context(), req.Method+" "+route,
				attribute.String("http.method", req.Method),
				attribute.String("http.route", route),
			)
			c.SetRequest(req.WithContext(ctx))

			err := next(c)
			span.SetAttributes(attribute.Int("http.status_code", c.Response().Status))
			EndSpan(span, err)
			return err
		}
	}
}
