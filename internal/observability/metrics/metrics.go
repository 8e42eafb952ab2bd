package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes ledger-level instruments.
type Metrics struct {
	usageRecorded   metric.Int64Counter
	unitsConsumed   metric.Int64Counter
	costCents       metric.Int64Counter
	accessDecisions metric.Int64Counter
	purchases       metric.Int64Counter
	webhookOutcomes metric.Int64Counter
	storageRetries  metric.Int64Counter
	usageThrottled  metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the ledger instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "tokenledger"
	}
	meter := provider.Meter(name)

	m := &Metrics{}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
	}{
		{&m.usageRecorded, "tokenledger_usage_recorded_total"},
		{&m.unitsConsumed, "tokenledger_units_consumed_total"},
		{&m.costCents, "tokenledger_usage_cost_cents_total"},
		{&m.accessDecisions, "tokenledger_access_decisions_total"},
		{&m.purchases, "tokenledger_purchases_total"},
		{&m.webhookOutcomes, "tokenledger_webhook_outcomes_total"},
		{&m.storageRetries, "tokenledger_storage_retries_total"},
		{&m.usageThrottled, "tokenledger_usage_throttled_total"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name)
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}
	return m, nil
}

// RecordUsage counts one debit with its unit volume and cost.
func (m *Metrics) RecordUsage(ctx context.Context, provider, model string, units, costCents int64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("model", strings.TrimSpace(model)),
	)...)
	m.usageRecorded.Add(ctx, 1, attrs)
	m.unitsConsumed.Add(ctx, units, attrs)
	m.costCents.Add(ctx, costCents, attrs)
}

func (m *Metrics) RecordAccessDecision(ctx context.Context, decision string) {
	if m == nil {
		return
	}
	m.accessDecisions.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("decision", decision),
	)...))
}

// RecordPurchase counts credit attempts; applied=false means a duplicate delivery.
func (m *Metrics) RecordPurchase(ctx context.Context, kind string, applied bool) {
	if m == nil {
		return
	}
	m.purchases.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("kind", kind),
		attribute.Bool("applied", applied),
	)...))
}

func (m *Metrics) RecordWebhookOutcome(ctx context.Context, provider, outcome string) {
	if m == nil {
		return
	}
	m.webhookOutcomes.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("provider", provider),
		attribute.String("outcome", outcome),
	)...))
}

func (m *Metrics) RecordStorageRetry(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	m.storageRetries.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("operation", operation),
	)...))
}

func (m *Metrics) RecordUsageThrottled(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	m.usageThrottled.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("endpoint", endpoint),
	)...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

// user_id is deliberately absent: one series per account would explode.
var allowedLabelKeys = map[attribute.Key]struct{}{
	"provider":    {},
	"model":       {},
	"decision":    {},
	"kind":        {},
	"applied":     {},
	"outcome":     {},
	"operation":   {},
	"endpoint":    {},
	"status_code": {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
