package audit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"magicer/logger"

	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	otelLog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
)

// OtelOptions configures export of audit records as OTLP log records.
type OtelOptions struct {
	Endpoint    string
	FromEnv     bool
	Headers     map[string]string
	ServiceName string
	Version     string
	Timeout     time.Duration
	// ExportFilenames allows client supplied names to leave the host.
	ExportFilenames bool
}

type otelExporter struct {
	provider *sdklog.LoggerProvider
	logger   otelLog.Logger
	timeout  time.Duration
	endpoint string
	policy   otelPolicy
}

type otelPolicy struct {
	includeFilenames bool
}

var newLogExporter = func(ctx context.Context, opts ...otlploghttp.Option) (sdklog.Exporter, error) {
	return otlploghttp.New(ctx, opts...)
}

func newOtelExporter(opts OtelOptions) (*otelExporter, error) {
	endpoint := resolveOtelEndpoint(opts)
	if endpoint == "" {
		return nil, nil
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return nil, fmt.Errorf("otel endpoint must include scheme (http or https)")
	}

	httpOpts := []otlploghttp.Option{otlploghttp.WithEndpointURL(endpoint)}
	if len(opts.Headers) > 0 {
		httpOpts = append(httpOpts, otlploghttp.WithHeaders(opts.Headers))
	}
	if opts.Timeout > 0 {
		httpOpts = append(httpOpts, otlploghttp.WithTimeout(opts.Timeout))
	}

	exp, err := newLogExporter(context.Background(), httpOpts...)
	if err != nil {
		return nil, err
	}

	serviceName := opts.ServiceName
	if serviceName == "" {
		serviceName = "magicer"
	}
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceVersionKey.String(opts.Version),
	)
	provider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)),
		sdklog.WithResource(res),
	)

	return &otelExporter{
		provider: provider,
		logger:   provider.Logger("magicer/audit"),
		timeout:  opts.Timeout,
		endpoint: endpoint,
		policy:   otelPolicy{includeFilenames: opts.ExportFilenames},
	}, nil
}

func resolveOtelEndpoint(opts OtelOptions) string {
	if endpoint := strings.TrimSpace(opts.Endpoint); endpoint != "" {
		return endpoint
	}
	if !opts.FromEnv {
		return ""
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_LOGS_ENDPOINT")); endpoint != "" {
		return endpoint
	}
	return strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
}

func (o *otelExporter) Endpoint() string {
	if o == nil {
		return ""
	}
	return o.endpoint
}

func (o *otelExporter) Emit(ctx context.Context, r Record) {
	if o == nil || o.logger == nil {
		return
	}
	var record otelLog.Record
	record.SetTimestamp(r.Time)
	record.SetObservedTimestamp(time.Now())
	record.SetEventName("magicer." + r.Type)
	if r.Type == TypeFailure {
		record.SetSeverity(otelLog.SeverityWarn)
	} else {
		record.SetSeverity(otelLog.SeverityInfo)
	}
	record.AddAttributes(
		otelLog.String("record_type", r.Type),
		otelLog.String("schema_version", SchemaVersion),
	)
	record.AddAttributes(recordAttributes(r, o.policy)...)
	record.SetBody(otelLog.MapValue(recordBody(r, o.policy)...))

	o.logger.Emit(context.WithoutCancel(ctx), record)
}

func (o *otelExporter) EmitSummary(s Summary) {
	if o == nil || o.logger == nil {
		return
	}
	var record otelLog.Record
	record.SetTimestamp(s.EndTime)
	record.SetObservedTimestamp(time.Now())
	record.SetEventName("magicer." + TypeSummary)
	record.AddAttributes(
		otelLog.String("record_type", TypeSummary),
		otelLog.String("schema_version", SchemaVersion),
		otelLog.Int64("magicer.summary.classified", s.Classified),
		otelLog.Int64("magicer.summary.failed", s.Failed),
	)
	o.logger.Emit(context.Background(), record)
}

func (o *otelExporter) Shutdown() {
	if o == nil || o.provider == nil {
		return
	}
	timeout := o.timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := o.provider.Shutdown(ctx); err != nil {
		logger.Debugf("OTEL shutdown failed: %v", err)
	}
}

func recordAttributes(r Record, policy otelPolicy) []otelLog.KeyValue {
	var kvs []otelLog.KeyValue
	if r.Filename != "" {
		if ext := strings.TrimPrefix(filepath.Ext(r.Filename), "."); ext != "" {
			kvs = append(kvs, otelLog.String(string(semconv.FileExtensionKey), ext))
		}
		if policy.includeFilenames {
			kvs = append(kvs, otelLog.String(string(semconv.FileNameKey), r.Filename))
		}
	}
	if r.Bytes > 0 {
		kvs = append(kvs, otelLog.Int64(string(semconv.FileSizeKey), r.Bytes))
	}
	kvs = appendStringAttr(kvs, "magicer.request_id", r.RequestID)
	kvs = appendStringAttr(kvs, "magicer.mime_type", r.MimeType)
	kvs = appendStringAttr(kvs, "magicer.encoding", r.Encoding)
	kvs = appendStringAttr(kvs, "magicer.strategy", r.Strategy)
	kvs = appendStringAttr(kvs, "magicer.digest", r.Digest)
	kvs = appendStringAttr(kvs, "magicer.error_kind", r.ErrorKind)
	kvs = append(kvs, otelLog.Int64("magicer.duration_ms", r.DurationMS))
	return kvs
}

func recordBody(r Record, policy otelPolicy) []otelLog.KeyValue {
	kvs := []otelLog.KeyValue{
		otelLog.String("type", r.Type),
		otelLog.String("request_id", r.RequestID),
		otelLog.Int64("duration_ms", r.DurationMS),
	}
	if policy.includeFilenames {
		kvs = appendStringAttr(kvs, "filename", r.Filename)
	}
	kvs = appendStringAttr(kvs, "mime_type", r.MimeType)
	kvs = appendStringAttr(kvs, "description", r.Description)
	kvs = appendStringAttr(kvs, "encoding", r.Encoding)
	kvs = appendStringAttr(kvs, "strategy", r.Strategy)
	if r.Bytes > 0 {
		kvs = append(kvs, otelLog.Int64("bytes", r.Bytes))
	}
	kvs = appendStringAttr(kvs, "digest", r.Digest)
	kvs = appendStringAttr(kvs, "error_kind", r.ErrorKind)
	kvs = appendStringAttr(kvs, "error", r.Error)
	return kvs
}

func appendStringAttr(kvs []otelLog.KeyValue, key, value string) []otelLog.KeyValue {
	if value == "" {
		return kvs
	}
	return append(kvs, otelLog.String(key, value))
}
