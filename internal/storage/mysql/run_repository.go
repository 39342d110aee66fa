package mysql

import (
	"context"
	"database/sql"
	"sync"

	xerrors "OpenFarm-Chain/internal/errors"
	"OpenFarm-Chain/internal/scheduler"
)

// SQLRunRepository 把每轮运行的留痕写入 MySQL，供操作者追溯。
type SQLRunRepository struct {
	db *sql.DB
}

// NewSQLRunRepository 建立连接并初始化运行留痕表。
func NewSQLRunRepository(ctx context.Context, cfg Config) (*SQLRunRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	repo := &SQLRunRepository{db: db}
	if err := repo.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

func (r *SQLRunRepository) initSchema(ctx context.Context) error {
	const schema = `CREATE TABLE IF NOT EXISTS wallet_runs (
	id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
	run_id VARCHAR(36) NOT NULL,
	wallet_id BIGINT NOT NULL,
	address VARCHAR(64) NOT NULL,
	result VARCHAR(16) NOT NULL,
	completed INT NOT NULL DEFAULT 0,
	failed INT NOT NULL DEFAULT 0,
	skipped INT NOT NULL DEFAULT 0,
	error_code VARCHAR(64) NOT NULL DEFAULT '',
	duration_ms BIGINT NOT NULL DEFAULT 0,
	created_at BIGINT NOT NULL,
	KEY idx_wallet_runs_wallet (wallet_id, created_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 wallet_runs 表失败")
	}
	return nil
}

// Record 实现 scheduler.RunRecorder。
func (r *SQLRunRepository) Record(ctx context.Context, record scheduler.RunRecord) error {
	const query = `INSERT INTO wallet_runs
(run_id, wallet_id, address, result, completed, failed, skipped, error_code, duration_ms, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := r.db.ExecContext(ctx, query,
		record.RunID, record.WalletID, record.Address, record.Result,
		record.Completed, record.Failed, record.Skipped,
		record.ErrorCode, record.DurationMS, record.CreatedAt,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入运行留痕失败")
	}
	return nil
}

// Recent 返回指定钱包最近的运行留痕，walletID 为 0 时不过滤。
func (r *SQLRunRepository) Recent(ctx context.Context, walletID int64, limit int) ([]scheduler.RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT run_id, wallet_id, address, result, completed, failed, skipped, error_code, duration_ms, created_at
FROM wallet_runs`
	args := make([]any, 0, 2)
	if walletID > 0 {
		query += ` WHERE wallet_id = ?`
		args = append(args, walletID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询运行留痕失败")
	}
	defer rows.Close()

	var records []scheduler.RunRecord
	for rows.Next() {
		var rec scheduler.RunRecord
		if err := rows.Scan(
			&rec.RunID, &rec.WalletID, &rec.Address, &rec.Result,
			&rec.Completed, &rec.Failed, &rec.Skipped,
			&rec.ErrorCode, &rec.DurationMS, &rec.CreatedAt,
		); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析运行留痕失败")
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历运行留痕失败")
	}
	return records, nil
}

// Close 释放连接池。
func (r *SQLRunRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

var _ scheduler.RunRecorder = (*SQLRunRepository)(nil)

// MemoryRunLog 是运行留痕的内存实现，memory 存储驱动与测试使用。
// 只保留最近 capacity 条记录。
type MemoryRunLog struct {
	mu       sync.Mutex
	records  []scheduler.RunRecord
	capacity int
}

// NewMemoryRunLog 创建内存留痕，capacity 非正时默认保留 1024 条。
func NewMemoryRunLog(capacity int) *MemoryRunLog {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryRunLog{capacity: capacity}
}

// Record 实现 scheduler.RunRecorder。
func (m *MemoryRunLog) Record(_ context.Context, record scheduler.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record)
	if len(m.records) > m.capacity {
		m.records = m.records[len(m.records)-m.capacity:]
	}
	return nil
}

// Recent 返回最近的留痕，walletID 为 0 时不过滤。
func (m *MemoryRunLog) Recent(_ context.Context, walletID int64, limit int) ([]scheduler.RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]scheduler.RunRecord, 0, limit)
	for i := len(m.records) - 1; i >= 0 && len(result) < limit; i-- {
		if walletID > 0 && m.records[i].WalletID != walletID {
			continue
		}
		result = append(result, m.records[i])
	}
	return result, nil
}

var _ scheduler.RunRecorder = (*MemoryRunLog)(nil)
