// Package monitoring serves Prometheus metrics next to health and status
// endpoints for long-running ut5 commands.
package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-ut5/internal/logger"
)

const (
	maxHistory = 1000
	maxAlerts  = 100
)

type HealthStatus struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Uptime      time.Duration   `json:"uptime"`
	System      SystemInfo      `json:"system"`
	Model       ModelInfo       `json:"model"`
	Performance PerformanceInfo `json:"performance"`
	Alerts      []Alert         `json:"alerts"`
}

type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`
}

// ModelInfo describes the loaded T5 model.
type ModelInfo struct {
	Loaded        bool   `json:"loaded"`
	Path          string `json:"path,omitempty"`
	Name          string `json:"name,omitempty"`
	Params        int    `json:"params"`
	EncoderLayers int    `json:"encoder_layers"`
	DecoderLayers int    `json:"decoder_layers"`
	VocabSize     int    `json:"vocab_size"`
}

type PerformanceInfo struct {
	Generations     int       `json:"generations"`
	TokensPerSecond float64   `json:"tokens_per_second"`
	AvgLatencyMs    float64   `json:"avg_latency_ms"`
	P95LatencyMs    float64   `json:"p95_latency_ms"`
	LastGeneration  time.Time `json:"last_generation"`
}

type Alert struct {
	Level     string    `json:"level"`     // warning, error, critical
	Component string    `json:"component"` // model, performance
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type perfPoint struct {
	tokens   int
	duration time.Duration
}

type HealthMonitor struct {
	startTime time.Time
	server    *http.Server
	log       *logger.Logger

	mu             sync.RWMutex
	model          ModelInfo
	alerts         []Alert
	history        []perfPoint
	lastGeneration time.Time
}

func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{
		startTime: time.Now(),
		log:       logger.Log.With("monitoring"),
	}
}

func (hm *HealthMonitor) SetModel(info ModelInfo) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.model = info
}

// Handler routes /metrics, /health, /healthz, /status and the alert admin
// endpoints.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth)
	mux.HandleFunc("/status", hm.handleStatus)
	mux.HandleFunc("/admin/alerts", hm.handleAlerts)
	mux.HandleFunc("/admin/clear-alerts", hm.handleClearAlerts)
	return mux
}

// Start serves Handler on addr in the background.
func (hm *HealthMonitor) Start(addr string) {
	hm.server = &http.Server{
		Addr:         addr,
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		hm.log.Info("metrics serving", "addr", addr)
		if err := hm.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			hm.log.Error("metrics server error", "error", err)
		}
	}()
}

func (hm *HealthMonitor) Stop(ctx context.Context) error {
	if hm.server == nil {
		return nil
	}
	return hm.server.Shutdown(ctx)
}

// RecordGeneration adds one generation to the latency history and raises
// performance alerts.
func (hm *HealthMonitor) RecordGeneration(tokens int, duration time.Duration) {
	hm.mu.Lock()
	hm.lastGeneration = time.Now()
	hm.history = append(hm.history, perfPoint{tokens: tokens, duration: duration})
	if len(hm.history) > maxHistory {
		hm.history = hm.history[1:]
	}
	hm.mu.Unlock()

	if duration <= 0 {
		return
	}
	if tps := float64(tokens) / duration.Seconds(); tokens > 0 && tps < 1.0 {
		hm.AddAlert("warning", "performance", fmt.Sprintf("Low throughput: %.2f tokens/sec", tps))
	}
	if ms := float64(duration.Nanoseconds()) / 1e6; ms > 5000 {
		hm.AddAlert("error", "performance", fmt.Sprintf("High latency: %.2f ms", ms))
	}
}

func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})
	if len(hm.alerts) > maxAlerts {
		hm.alerts = hm.alerts[1:]
	}
	hm.mu.Unlock()

	hm.log.Warn("alert", "level", level, "component", component, "message", message)
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.Status()
	w.Header().Set("Content-Type", "application/json")
	if status.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(hm.Status())
}

func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	hm.mu.RLock()
	alerts := append([]Alert{}, hm.alerts...)
	hm.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(alerts)
}

func (hm *HealthMonitor) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	hm.mu.Lock()
	hm.alerts = nil
	hm.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"message": "alerts cleared"})
}

// Status is healthy while a model is loaded and no error or critical
// alert is pending.
func (hm *HealthMonitor) Status() HealthStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := "healthy"
	if !hm.model.Loaded {
		status = "starting"
	}
	for _, a := range hm.alerts {
		if a.Level == "critical" {
			status = "critical"
			break
		}
		if a.Level == "error" {
			status = "degraded"
		}
	}

	return HealthStatus{
		Status:      status,
		Timestamp:   time.Now(),
		Uptime:      time.Since(hm.startTime),
		System:      systemInfo(),
		Model:       hm.model,
		Performance: hm.performance(),
		Alerts:      append([]Alert{}, hm.alerts...),
	}
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return SystemInfo{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		MemoryMB:     int(m.Sys / 1024 / 1024),
		MemoryUsedMB: int(m.Alloc / 1024 / 1024),
	}
}

// performance requires hm.mu held.
func (hm *HealthMonitor) performance() PerformanceInfo {
	info := PerformanceInfo{
		Generations:    len(hm.history),
		LastGeneration: hm.lastGeneration,
	}
	if len(hm.history) == 0 {
		return info
	}

	var tokens int
	var total time.Duration
	latencies := make([]float64, len(hm.history))
	for i, p := range hm.history {
		tokens += p.tokens
		total += p.duration
		latencies[i] = float64(p.duration.Nanoseconds()) / 1e6
	}
	sort.Float64s(latencies)
	p95 := int(float64(len(latencies)) * 0.95)
	if p95 >= len(latencies) {
		p95 = len(latencies) - 1
	}

	info.AvgLatencyMs = float64(total.Nanoseconds()) / float64(len(hm.history)) / 1e6
	info.P95LatencyMs = latencies[p95]
	if total > 0 {
		info.TokensPerSecond = float64(tokens) / total.Seconds()
	}
	return info
}
