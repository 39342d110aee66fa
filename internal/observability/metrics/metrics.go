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

type actionKey struct {
	action string
	result string
}

type runKey struct {
	result string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type collector struct {
	mu       sync.Mutex
	actions  map[actionKey]uint64
	runs     map[runKey]uint64
	duration map[runKey]*histogram
}

var farmCollector = &collector{
	actions:  make(map[actionKey]uint64),
	runs:     make(map[runKey]uint64),
	duration: make(map[runKey]*histogram),
}

// ObserveAction records the outcome of a single action unit.
// result is one of completed/failed/skipped.
func ObserveAction(action, result string) {
	farmCollector.mu.Lock()
	defer farmCollector.mu.Unlock()
	farmCollector.actions[actionKey{action: action, result: result}]++
}

// ObserveWalletRun records a finished wallet run and its duration.
func ObserveWalletRun(result string, duration time.Duration) {
	farmCollector.mu.Lock()
	defer farmCollector.mu.Unlock()

	key := runKey{result: result}
	farmCollector.runs[key]++
	hist := farmCollector.duration[key]
	if hist == nil {
		hist = newHistogram()
		farmCollector.duration[key] = hist
	}
	hist.observe(duration.Seconds())
}

func newHistogram() *histogram {
	// 一次钱包运行包含多个带停顿的动作，分桶覆盖到半小时。
	buckets := []float64{5, 15, 30, 60, 120, 300, 600, 1800}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			break
		}
	}
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, farmCollector.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	type actionMetric struct {
		actionKey
		value uint64
	}
	type runMetric struct {
		runKey
		value uint64
	}
	type durationMetric struct {
		runKey
		buckets []float64
		counts  []uint64
		sum     float64
		count   uint64
	}

	actions := make([]actionMetric, 0, len(c.actions))
	for key, value := range c.actions {
		actions = append(actions, actionMetric{actionKey: key, value: value})
	}
	runs := make([]runMetric, 0, len(c.runs))
	for key, value := range c.runs {
		runs = append(runs, runMetric{runKey: key, value: value})
	}
	durations := make([]durationMetric, 0, len(c.duration))
	for key, hist := range c.duration {
		durations = append(durations, durationMetric{
			runKey:  key,
			buckets: append([]float64(nil), hist.buckets...),
			counts:  append([]uint64(nil), hist.counts...),
			sum:     hist.sum,
			count:   hist.count,
		})
	}

	sort.Slice(actions, func(i, j int) bool {
		if actions[i].action == actions[j].action {
			return actions[i].result < actions[j].result
		}
		return actions[i].action < actions[j].action
	})
	sort.Slice(runs, func(i, j int) bool { return runs[i].result < runs[j].result })
	sort.Slice(durations, func(i, j int) bool { return durations[i].result < durations[j].result })

	var builder strings.Builder
	builder.Grow(1024)

	builder.WriteString("# HELP farmd_actions_total Total number of action units executed per result.\n")
	builder.WriteString("# TYPE farmd_actions_total counter\n")
	for _, metric := range actions {
		builder.WriteString(fmt.Sprintf("farmd_actions_total{action=%q,result=%q} %d\n",
			escape(metric.action), escape(metric.result), metric.value))
	}

	builder.WriteString("# HELP farmd_wallet_runs_total Total number of finished wallet runs per result.\n")
	builder.WriteString("# TYPE farmd_wallet_runs_total counter\n")
	for _, metric := range runs {
		builder.WriteString(fmt.Sprintf("farmd_wallet_runs_total{result=%q} %d\n",
			escape(metric.result), metric.value))
	}

	builder.WriteString("# HELP farmd_wallet_run_duration_seconds Wallet run duration in seconds.\n")
	builder.WriteString("# TYPE farmd_wallet_run_duration_seconds histogram\n")
	for _, metric := range durations {
		for idx, bound := range metric.buckets {
			builder.WriteString(fmt.Sprintf("farmd_wallet_run_duration_seconds_bucket{result=%q,le=%q} %d\n",
				escape(metric.result), formatFloat(bound), metric.counts[idx]))
		}
		builder.WriteString(fmt.Sprintf("farmd_wallet_run_duration_seconds_bucket{result=%q,le=\"+Inf\"} %d\n",
			escape(metric.result), metric.count))
		builder.WriteString(fmt.Sprintf("farmd_wallet_run_duration_seconds_sum{result=%q} %s\n",
			escape(metric.result), formatFloat(metric.sum)))
		builder.WriteString(fmt.Sprintf("farmd_wallet_run_duration_seconds_count{result=%q} %d\n",
			escape(metric.result), metric.count))
	}

	return builder.String()
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

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
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
