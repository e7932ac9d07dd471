package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Check 单项健康检查
type Check func(ctx context.Context) error

// HealthReport /healthz 响应体
type HealthReport struct {
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks"`
	Version string            `json:"version,omitempty"`
}

// OpsOptions 运维路由选项
type OpsOptions struct {
	Gatherer     prometheus.Gatherer
	Checks       map[string]Check
	CheckTimeout time.Duration
	Version      string
}

// NewOpsHandler 构建 /metrics、/healthz、/readyz 路由
func NewOpsHandler(opts OpsOptions, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = 2 * time.Second
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(HealthReport{Status: "ok", Version: opts.Version})
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		report := runChecks(r.Context(), opts)
		w.Header().Set("Content-Type", "application/json")
		if report.Status != "ok" {
			logger.Warn("readiness check failed", zap.Any("checks", report.Checks))
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	})
	return mux
}

func runChecks(ctx context.Context, opts OpsOptions) HealthReport {
	report := HealthReport{Status: "ok", Checks: make(map[string]string, len(opts.Checks)), Version: opts.Version}

	names := make([]string, 0, len(opts.Checks))
	for name := range opts.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cctx, cancel := context.WithTimeout(ctx, opts.CheckTimeout)
		err := opts.Checks[name](cctx)
		cancel()
		if err != nil {
			report.Status = "unavailable"
			report.Checks[name] = err.Error()
			continue
		}
		report.Checks[name] = "ok"
	}
	return report
}
