package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RunRecord 是一轮钱包运行的留痕，用于操作者追溯历史。
// RunID 在日志、告警与留痕之间串联同一轮运行。
type RunRecord struct {
	RunID      string `json:"run_id"`
	WalletID   int64  `json:"wallet_id"`
	Address    string `json:"address"`
	Result     string `json:"result"`
	Completed  int    `json:"completed"`
	Failed     int    `json:"failed"`
	Skipped    int    `json:"skipped"`
	ErrorCode  string `json:"error_code,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	CreatedAt  int64  `json:"created_at"`
}

// RunRecorder 持久化运行留痕。记录失败只影响追溯，不影响调度。
type RunRecorder interface {
	Record(ctx context.Context, record RunRecord) error
}

// WithRunRecorder 配置运行留痕的存储。
func WithRunRecorder(recorder RunRecorder) CoordinatorOption {
	return func(c *Coordinator) {
		c.recorder = recorder
	}
}

func newRunRecord(walletID int64, address, result, errorCode string, completed, failed, skipped int, duration time.Duration) RunRecord {
	return RunRecord{
		RunID:      uuid.NewString(),
		WalletID:   walletID,
		Address:    address,
		Result:     result,
		Completed:  completed,
		Failed:     failed,
		Skipped:    skipped,
		ErrorCode:  errorCode,
		DurationMS: duration.Milliseconds(),
		CreatedAt:  time.Now().Unix(),
	}
}
