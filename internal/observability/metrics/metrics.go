// Package metrics 在进程内汇总调度器的步骤与计划指标，并以 Prometheus 文本格式暴露。
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type stepKey struct {
	capability string
	status     string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type collector struct {
	mu       sync.Mutex
	steps    map[stepKey]uint64
	reused   map[string]uint64
	retries  map[string]uint64
	latency  map[string]*histogram
	plans    map[string]uint64
	canceled uint64
}

func newCollector() *collector {
	return &collector{
		steps:   make(map[stepKey]uint64),
		reused:  make(map[string]uint64),
		retries: make(map[string]uint64),
		latency: make(map[string]*histogram),
		plans:   make(map[string]uint64),
	}
}

var defaultCollector = newCollector()

// ObserveStep 记录一个落定的步骤。复用账本结果的步骤不计入耗时。
func ObserveStep(capability, status string, attempts int, reused bool, duration time.Duration) {
	defaultCollector.observeStep(capability, status, attempts, reused, duration)
}

// ObservePlan 记录一次计划执行的结论。
func ObservePlan(outcome string, cancelled bool) {
	defaultCollector.observePlan(outcome, cancelled)
}

func (c *collector) observeStep(capability, status string, attempts int, reused bool, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.steps[stepKey{capability: capability, status: status}]++
	if reused {
		c.reused[capability]++
		return
	}
	if attempts > 1 {
		c.retries[capability] += uint64(attempts - 1)
	}
	hist := c.latency[capability]
	if hist == nil {
		hist = newHistogram()
		c.latency[capability] = hist
	}
	hist.observe(duration.Seconds())
}

func (c *collector) observePlan(outcome string, cancelled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plans[outcome]++
	if cancelled {
		c.canceled++
	}
}

func newHistogram() *histogram {
	buckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

// 超过最后一个桶的值只计入 +Inf，即 count。
func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			return
		}
	}
}

// Handler 以 Prometheus 文本格式输出指标。
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, defaultCollector.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	stepKeys := make([]stepKey, 0, len(c.steps))
	for key := range c.steps {
		stepKeys = append(stepKeys, key)
	}
	sort.Slice(stepKeys, func(i, j int) bool {
		if stepKeys[i].capability == stepKeys[j].capability {
			return stepKeys[i].status < stepKeys[j].status
		}
		return stepKeys[i].capability < stepKeys[j].capability
	})

	var b strings.Builder
	b.Grow(1024)

	b.WriteString("# HELP flowpilot_steps_total Steps settled by the dispatcher.\n")
	b.WriteString("# TYPE flowpilot_steps_total counter\n")
	for _, key := range stepKeys {
		fmt.Fprintf(&b, "flowpilot_steps_total{capability=\"%s\",status=\"%s\"} %d\n",
			escape(key.capability), escape(key.status), c.steps[key])
	}

	b.WriteString("# HELP flowpilot_steps_reused_total Steps answered from the idempotency ledger.\n")
	b.WriteString("# TYPE flowpilot_steps_reused_total counter\n")
	for _, capability := range sortedKeys(c.reused) {
		fmt.Fprintf(&b, "flowpilot_steps_reused_total{capability=\"%s\"} %d\n", escape(capability), c.reused[capability])
	}

	b.WriteString("# HELP flowpilot_step_retries_total Driver calls beyond the first attempt.\n")
	b.WriteString("# TYPE flowpilot_step_retries_total counter\n")
	for _, capability := range sortedKeys(c.retries) {
		fmt.Fprintf(&b, "flowpilot_step_retries_total{capability=\"%s\"} %d\n", escape(capability), c.retries[capability])
	}

	b.WriteString("# HELP flowpilot_step_duration_seconds Step duration including retries.\n")
	b.WriteString("# TYPE flowpilot_step_duration_seconds histogram\n")
	for _, capability := range sortedKeys(c.latency) {
		hist := c.latency[capability]
		label := escape(capability)
		for idx, bound := range hist.buckets {
			fmt.Fprintf(&b, "flowpilot_step_duration_seconds_bucket{capability=\"%s\",le=\"%s\"} %d\n",
				label, formatFloat(bound), hist.counts[idx])
		}
		fmt.Fprintf(&b, "flowpilot_step_duration_seconds_bucket{capability=\"%s\",le=\"+Inf\"} %d\n", label, hist.count)
		fmt.Fprintf(&b, "flowpilot_step_duration_seconds_sum{capability=\"%s\"} %s\n", label, formatFloat(hist.sum))
		fmt.Fprintf(&b, "flowpilot_step_duration_seconds_count{capability=\"%s\"} %d\n", label, hist.count)
	}

	b.WriteString("# HELP flowpilot_plans_total Plans settled by outcome.\n")
	b.WriteString("# TYPE flowpilot_plans_total counter\n")
	for _, outcome := range sortedKeys(c.plans) {
		fmt.Fprintf(&b, "flowpilot_plans_total{outcome=\"%s\"} %d\n", escape(outcome), c.plans[outcome])
	}
	b.WriteString("# HELP flowpilot_plans_cancelled_total Plans stopped by a cancel request.\n")
	b.WriteString("# TYPE flowpilot_plans_cancelled_total counter\n")
	fmt.Fprintf(&b, "flowpilot_plans_cancelled_total %d\n", c.canceled)

	return b.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer 启动只提供 /metrics 的独立 HTTP 服务，ctx 取消后关闭。
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
