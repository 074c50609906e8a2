// ============================================================================
// pipeexec Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: 收集執行器每個 unit 的結果並通過 /metrics 暴露
//
// 指標分類:
//
//   1. 計數器 (Counter):
//      - pipeexec_units_processed_total{stage}
//      - pipeexec_units_skipped_total{stage}
//      - pipeexec_units_succeeded_total{stage}
//      - pipeexec_units_failed_total{stage,kind}
//
//   2. 分佈 (Histogram):
//      - pipeexec_unit_duration_seconds{stage}
//
//   3. 瞬時值 (Gauge):
//      - pipeexec_stage_duration_seconds{stage}
//      - pipeexec_idle_ranks{stage}
//      - pipeexec_tasks_ready{tasktype}
//      - pipeexec_state_recovery_seconds: 打開狀態庫 (snapshot + WAL 重放) 耗時
//
// Prometheus 查詢示例:
//
//   # 各 stage 失敗率
//   sum by (stage) (pipeexec_units_failed_total) / sum by (stage) (pipeexec_units_processed_total)
//
//   # 95 分位 unit 耗時
//   histogram_quantile(0.95, rate(pipeexec_unit_duration_seconds_bucket[5m]))
//
// 註冊表由調用方注入，測試裡每個 Collector 用自己的 prometheus.Registry，
// 不再改寫 prometheus.DefaultRegisterer。
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器。nil *Collector 的所有方法都是 no-op。
type Collector struct {
	// unit 計數
	processed *prometheus.CounterVec
	skipped   *prometheus.CounterVec
	succeeded *prometheus.CounterVec
	failed    *prometheus.CounterVec

	// 效能指標
	unitDuration  *prometheus.HistogramVec
	stageDuration *prometheus.GaugeVec

	// 狀態指標
	idleRanks    *prometheus.GaugeVec
	tasksReady   *prometheus.GaugeVec
	recoveryTime prometheus.Gauge
}

// NewCollector 創建並註冊指標。reg 為 nil 時使用 prometheus.DefaultRegisterer。
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeexec_units_processed_total",
			Help: "Total number of units processed per stage",
		}, []string{"stage"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeexec_units_skipped_total",
			Help: "Total number of units skipped because their outputs were current",
		}, []string{"stage"}),
		succeeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeexec_units_succeeded_total",
			Help: "Total number of units that ran and produced their outputs",
		}, []string{"stage"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeexec_units_failed_total",
			Help: "Total number of failed units by failure kind",
		}, []string{"stage", "kind"}),
		unitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipeexec_unit_duration_seconds",
			Help:    "Wall time of a single unit in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 10),
		}, []string{"stage"}),
		stageDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pipeexec_stage_duration_seconds",
			Help: "Wall time of the last run of a stage on this rank",
		}, []string{"stage"}),
		idleRanks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pipeexec_idle_ranks",
			Help: "Ranks left without a sub-pool in the last run of a stage",
		}, []string{"stage"}),
		tasksReady: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pipeexec_tasks_ready",
			Help: "Tasks found ready in the last readiness refresh",
		}, []string{"tasktype"}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipeexec_state_recovery_seconds",
			Help: "Time taken to open the state store in seconds",
		}),
	}

	for _, m := range []prometheus.Collector{
		c.processed, c.skipped, c.succeeded, c.failed,
		c.unitDuration, c.stageDuration, c.idleRanks, c.tasksReady, c.recoveryTime,
	} {
		if err := reg.Register(m); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}
	return c, nil
}

// RecordUnit 記錄一個 unit 的結果。status 為 skipped / succeeded / failed，
// kind 只在失敗時有意義。
func (c *Collector) RecordUnit(stage, status, kind string, d time.Duration) {
	if c == nil {
		return
	}
	c.processed.WithLabelValues(stage).Inc()
	switch status {
	case "skipped":
		c.skipped.WithLabelValues(stage).Inc()
		return
	case "succeeded":
		c.succeeded.WithLabelValues(stage).Inc()
	case "failed":
		c.failed.WithLabelValues(stage, kind).Inc()
	}
	c.unitDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// SetStageDuration 設置 stage 耗時
func (c *Collector) SetStageDuration(stage string, d time.Duration) {
	if c == nil {
		return
	}
	c.stageDuration.WithLabelValues(stage).Set(d.Seconds())
}

// SetIdleRanks 設置 stage 中閒置的 rank 數
func (c *Collector) SetIdleRanks(stage string, n int) {
	if c == nil {
		return
	}
	c.idleRanks.WithLabelValues(stage).Set(float64(n))
}

// SetReady 設置某任務類型就緒的任務數
func (c *Collector) SetReady(tasktype string, n int) {
	if c == nil {
		return
	}
	c.tasksReady.WithLabelValues(tasktype).Set(float64(n))
}

// SetRecoveryTime 設置狀態庫恢復時間
func (c *Collector) SetRecoveryTime(d time.Duration) {
	if c == nil {
		return
	}
	c.recoveryTime.Set(d.Seconds())
}

// Server 暴露 /metrics 的 HTTP 伺服器
type Server struct {
	srv *http.Server
}

// NewServer 創建 metrics 伺服器。gatherer 為 nil 時使用默認註冊表。
func NewServer(addr string, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return &Server{srv: &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}}
}

// Start 在背景啟動伺服器，監聽失敗通過 errc 返回
func (s *Server) Start() <-chan error {
	errc := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()
	return errc
}

// Shutdown 優雅關閉
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler 返回 HTTP handler，測試用
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}
