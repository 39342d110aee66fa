package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRenderExposesCountersAndHistogram(t *testing.T) {
	ObserveAction("faucet_claim", "completed")
	ObserveAction("faucet_claim", "completed")
	ObserveAction("swap", "failed")
	ObserveWalletRun("completed", 42*time.Second)

	ts := httptest.NewServer(Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("Content-Type"); !strings.HasPrefix(got, "text/plain") {
		t.Fatalf("content type = %q", got)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}

	output := string(body)
	for _, want := range []string{
		`farmd_actions_total{action="faucet_claim",result="completed"} 2`,
		`farmd_actions_total{action="swap",result="failed"} 1`,
		`farmd_wallet_runs_total{result="completed"} 1`,
		`farmd_wallet_run_duration_seconds_bucket{result="completed",le="60"} 1`,
		`farmd_wallet_run_duration_seconds_bucket{result="completed",le="+Inf"} 1`,
		`farmd_wallet_run_duration_seconds_count{result="completed"} 1`,
	} {
		if !strings.Contains(output, want) {
			t.Fatalf("output missing %q:\n%s", want, output)
		}
	}
}

func TestHistogramCumulativeCounts(t *testing.T) {
	h := newHistogram()
	h.observe(4)
	h.observe(50)
	h.observe(7200)

	if h.count != 3 {
		t.Fatalf("count = %d, want 3", h.count)
	}
	// 4s 落在首桶，50s 落在 60s 桶，7200s 超出全部桶。
	if h.counts[0] != 1 {
		t.Fatalf("counts[0] = %d, want 1", h.counts[0])
	}
	if h.counts[3] != 2 {
		t.Fatalf("counts[3] = %d, want 2", h.counts[3])
	}
	if h.counts[len(h.counts)-1] != 2 {
		t.Fatalf("last bucket = %d, want 2 (over-range values only count toward +Inf)", h.counts[len(h.counts)-1])
	}
}
