package monitor

import (
	"AtagDetServer/logger"
	"AtagDetServer/session"
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

var (
	PID      *process.Process
	Registry = prometheus.NewRegistry()

	memUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "memory_usage_Megabytes",
		Help: "Memory usage in Megabytes",
	})
	cpuUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cpu_usage_percent",
		Help: "CPU usage in percent",
	})
	activeSessions = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "active_sessions",
		Help: "Number of registered detection sessions",
	}, func() float64 {
		if fn := sessionCount.Load(); fn != nil {
			return float64((*fn)())
		}
		return 0
	})

	GRPCTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "grpc_requests_total",
		Help: "Total number of gRPC requests processed",
	})
	HTTPTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP and websocket requests processed",
	})
	DetectCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "detect_calls_total",
		Help: "Detect calls by outcome",
	}, []string{"outcome"})
	Detections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "detections_total",
		Help: "Tags reported in detect payloads",
	})
	Reallocations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "image_reallocations_total",
		Help: "Frame buffer reallocations caused by geometry changes",
	})
	DetectDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "detect_duration_seconds",
		Help:    "Wall time of one detect call",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})
)

var sessionCount atomic.Pointer[func() int]

func init() {
	Registry.MustRegister(memUsage, cpuUsage, activeSessions, GRPCTotal, HTTPTotal,
		DetectCalls, Detections, Reallocations, DetectDuration)
}

// TrackSessions makes active_sessions report fn().
func TrackSessions(fn func() int) {
	sessionCount.Store(&fn)
}

// Observer feeds detect outcomes into the metrics above.
type Observer struct{}

var _ session.Observer = Observer{}

func (Observer) ObserveDetect(outcome session.Outcome, detections int, elapsed time.Duration, _ int) {
	DetectCalls.WithLabelValues(string(outcome)).Inc()
	Detections.Add(float64(detections))
	DetectDuration.Observe(elapsed.Seconds())
}

func (Observer) ObserveReallocation() {
	Reallocations.Inc()
}

func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

func CheckProcessInfo() {
	if PID == nil {
		return
	}
	if memInfo, err := PID.MemoryInfo(); err == nil {
		memUsage.Set(float64(memInfo.RSS / 1024 / 1024))
	}
	if cpuPercent, err := PID.CPUPercent(); err == nil {
		cpuUsage.Set(math.Round(cpuPercent*100) / 100)
	}
}

func GotPID() error {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return err
	}
	PID = p
	return nil
}

// StartMon 启动 /metrics 并每 500ms 采样一次进程信息, 直到 ctx 结束
func StartMon(ctx context.Context, port int) {
	if err := GotPID(); err != nil {
		logger.Log().Warn("process stats unavailable", zap.Error(err))
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log().Error("Prometheus server ListenAndServe error", zap.Error(err))
		}
	}()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
checkPcs:
	for {
		select {
		case <-ctx.Done():
			break checkPcs
		case <-ticker.C:
			CheckProcessInfo()
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log().Error("Prometheus server Shutdown error", zap.Error(err))
	}
}
