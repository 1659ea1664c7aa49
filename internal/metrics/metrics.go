package metrics

import (
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ForwardDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ut5_forward_duration_seconds",
		Help:    "Duration of encoder and decoder forward passes",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	TokensProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ut5_tokens_processed_total",
		Help: "Tokens consumed by the encoder or decoder stack",
	}, []string{"stage"})

	LayersDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ut5_stochastic_depth_drops_total",
		Help: "Sublayer contributions zeroed by stochastic depth",
	}, []string{"stack"})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ut5_numerical_instability_total",
		Help: "Total number of NaN/Inf values detected",
	}, []string{"tensor", "type"})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ut5_validation_errors_total",
		Help: "Total number of rejected inputs",
	}, []string{"operation", "error_type"})

	TensorAllocatedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ut5_tensor_allocated_bytes",
		Help: "Bytes currently held by CPU tensors",
	})

	DecodeCachePosition = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ut5_decode_cache_position",
		Help: "Current index of the autoregressive decode cache",
	})

	DecodeCacheBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ut5_decode_cache_bytes",
		Help: "Bytes reserved by the autoregressive decode cache",
	})

	GeneratedTokens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ut5_generated_tokens_total",
		Help: "Tokens emitted by autoregressive generation",
	})

	GenerationDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "ut5_generation_duration_seconds",
		Help: "Wall time of generate calls",
	})

	SequenceLength = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ut5_sequence_length_tokens",
		Help:    "Distribution of input sequence lengths",
		Buckets: []float64{8, 16, 32, 64, 128, 256, 512, 1024, 2048},
	}, []string{"stage"})

	LogitMaxValue = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ut5_logit_max_value",
		Help:    "Maximum logit value observed per decode call",
		Buckets: []float64{-100, -50, -20, -10, -5, 0, 5, 10, 20, 50, 100, 500, 1000},
	})

	FlightRecordsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ut5_flight_records_sent_total",
		Help: "Embedding rows shipped over Arrow Flight",
	})

	FlightErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ut5_flight_errors_total",
		Help: "Arrow Flight call failures",
	}, []string{"method"})
)

func RecordForward(stage string, tokens int, duration time.Duration) {
	ForwardDuration.WithLabelValues(stage).Observe(duration.Seconds())
	TokensProcessed.WithLabelValues(stage).Add(float64(tokens))
}

func RecordSequenceLength(stage string, length int) {
	SequenceLength.WithLabelValues(stage).Observe(float64(length))
}

func RecordLayerDrop(stack string, dropped int) {
	if dropped > 0 {
		LayersDropped.WithLabelValues(stack).Add(float64(dropped))
	}
}

func RecordNumericalInstability(name string, nanCount, infCount int) {
	if nanCount > 0 {
		NumericalInstability.WithLabelValues(name, "nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		NumericalInstability.WithLabelValues(name, "inf").Add(float64(infCount))
	}
}

func RecordValidationError(operation, errorType string) {
	ValidationErrors.WithLabelValues(operation, errorType).Inc()
}

func RecordTensorMemory(bytes int64) {
	TensorAllocatedBytes.Set(float64(bytes))
}

func RecordDecodeCache(position int, bytes int64) {
	DecodeCachePosition.Set(float64(position))
	DecodeCacheBytes.Set(float64(bytes))
}

func RecordGeneration(tokens int, duration time.Duration) {
	GeneratedTokens.Add(float64(tokens))
	GenerationDuration.Observe(duration.Seconds())
}

// RecordLogits scans logits once, observing the maximum and counting
// non-finite values.
func RecordLogits(name string, logits []float32) {
	maxVal := float32(math.Inf(-1))
	nans, infs := 0, 0
	for _, v := range logits {
		switch {
		case math.IsNaN(float64(v)):
			nans++
		case math.IsInf(float64(v), 0):
			infs++
		case v > maxVal:
			maxVal = v
		}
	}
	if !math.IsInf(float64(maxVal), -1) {
		LogitMaxValue.Observe(float64(maxVal))
	}
	RecordNumericalInstability(name, nans, infs)
}

func RecordFlightPut(rows int, err error) {
	if err != nil {
		FlightErrors.WithLabelValues("do_put").Inc()
		return
	}
	FlightRecordsSent.Add(float64(rows))
}

func RecordFlightError(method string) {
	FlightErrors.WithLabelValues(method).Inc()
}
