package wallet

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "OpenFarm-Chain/internal/errors"
	"github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 持久化钱包登记簿。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS wallets (
        id BIGINT AUTO_INCREMENT PRIMARY KEY,
        address VARCHAR(64) NOT NULL UNIQUE,
        proxy VARCHAR(255) DEFAULT '',
        twitter_token VARCHAR(255) DEFAULT '',
        discord_token VARCHAR(255) DEFAULT '',
        invite_code VARCHAR(64) DEFAULT '',
        used_invite_code VARCHAR(64) DEFAULT '',
        points BIGINT NOT NULL DEFAULT 0,
        ` + "`rank`" + ` BIGINT NOT NULL DEFAULT 0,
        status VARCHAR(32) NOT NULL,
        last_error TEXT,
        error_code VARCHAR(64) DEFAULT '',
        last_completed_at BIGINT NOT NULL DEFAULT 0,
        next_eligible_at BIGINT NOT NULL DEFAULT 0,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_wallet_status (status),
        INDEX idx_wallet_next_eligible (next_eligible_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 wallets 表失败")
	}
	return nil
}

const walletColumns = "id, address, proxy, twitter_token, discord_token, invite_code, used_invite_code, " +
	"points, `rank`, status, last_error, error_code, last_completed_at, next_eligible_at, created_at, updated_at"

func scanWallet(scanner interface{ Scan(dest ...any) error }) (*Wallet, error) {
	var w Wallet
	var lastError sql.NullString
	if err := scanner.Scan(
		&w.ID,
		&w.Address,
		&w.Proxy,
		&w.TwitterToken,
		&w.DiscordToken,
		&w.InviteCode,
		&w.UsedInviteCode,
		&w.Points,
		&w.Rank,
		&w.Status,
		&lastError,
		&w.ErrorCode,
		&w.LastCompletedAt,
		&w.NextEligibleAt,
		&w.CreatedAt,
		&w.UpdatedAt,
	); err != nil {
		return nil, err
	}
	w.LastError = lastError.String
	return &w, nil
}

// Create 插入新的钱包记录，地址重复返回 ErrWalletConflict。
func (s *MySQLStore) Create(ctx context.Context, w *Wallet) error {
	if w == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "wallet 不能为空")
	}
	address := normalizeAddress(w.Address)
	if address == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "钱包地址不能为空")
	}

	now := time.Now().Unix()
	if w.Status == "" {
		w.Status = StatusIdle
	}
	w.Address = address
	w.CreatedAt = now
	w.UpdatedAt = now

	const stmt = `INSERT INTO wallets
        (address, proxy, twitter_token, discord_token, invite_code, used_invite_code, points, ` + "`rank`" + `,
         status, last_error, error_code, last_completed_at, next_eligible_at, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', ?, ?, ?, ?)`

	res, err := s.db.ExecContext(ctx, stmt,
		w.Address,
		w.Proxy,
		w.TwitterToken,
		w.DiscordToken,
		w.InviteCode,
		w.UsedInviteCode,
		w.Points,
		w.Rank,
		w.Status,
		w.LastCompletedAt,
		w.NextEligibleAt,
		w.CreatedAt,
		w.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrWalletConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入钱包失败")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取钱包 ID 失败")
	}
	w.ID = id
	return nil
}

// Get 查询指定钱包。
func (s *MySQLStore) Get(ctx context.Context, id int64) (*Wallet, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = ?`, id)
	w, err := scanWallet(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrWalletNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询钱包失败")
	}
	return w, nil
}

// GetByAddress 按地址查询钱包。
func (s *MySQLStore) GetByAddress(ctx context.Context, address string) (*Wallet, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE address = ?`, normalizeAddress(address))
	w, err := scanWallet(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrWalletNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询钱包失败")
	}
	return w, nil
}

// List 按插入顺序返回全部钱包。
func (s *MySQLStore) List(ctx context.Context) ([]*Wallet, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+walletColumns+` FROM wallets ORDER BY id ASC`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询钱包列表失败")
	}
	defer rows.Close()

	var wallets []*Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析钱包记录失败")
		}
		wallets = append(wallets, w)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历钱包失败")
	}
	return wallets, nil
}

// Claim 以单条 UPDATE 原子地把钱包迁移为 running，竞争失败不重试。
func (s *MySQLStore) Claim(ctx context.Context, id int64, nowUnix int64) (*Wallet, error) {
	const stmt = `UPDATE wallets SET status = ?, last_error = '', error_code = '', updated_at = ?
        WHERE id = ? AND status IN (?, ?) AND next_eligible_at <= ?`

	res, err := s.db.ExecContext(ctx, stmt,
		StatusRunning, nowUnix, id, StatusIdle, StatusCoolingDown, nowUnix)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新钱包状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		w, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if w.Status == StatusDisabled {
			return w, ErrWalletDisabled
		}
		return w, ErrWalletConflict
	}
	return s.Get(ctx, id)
}

// MarkCompleted 记录完成并写入冷却截止时间。
func (s *MySQLStore) MarkCompleted(ctx context.Context, id int64, completedAt, nextEligibleAt int64) error {
	const stmt = `UPDATE wallets SET status = ?, last_completed_at = ?, next_eligible_at = ?,
        last_error = '', error_code = '', updated_at = ? WHERE id = ? AND status <> ?`

	res, err := s.db.ExecContext(ctx, stmt,
		StatusCoolingDown, completedAt, nextEligibleAt, completedAt, id, StatusDisabled)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记钱包完成失败")
	}
	return s.diagnoseMarkMiss(ctx, res, id)
}

// MarkFailed 记录失败并把钱包放回 idle。
func (s *MySQLStore) MarkFailed(ctx context.Context, id int64, code, lastError string, nowUnix int64) error {
	const stmt = `UPDATE wallets SET status = ?, last_error = ?, error_code = ?, updated_at = ?
        WHERE id = ? AND status <> ?`

	res, err := s.db.ExecContext(ctx, stmt, StatusIdle, lastError, code, nowUnix, id, StatusDisabled)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记钱包失败状态出错")
	}
	return s.diagnoseMarkMiss(ctx, res, id)
}

// diagnoseMarkMiss 区分标记更新零行的两种原因：钱包不存在返回
// ErrWalletNotFound，钱包已停用返回 ErrWalletDisabled，与内存实现一致。
func (s *MySQLStore) diagnoseMarkMiss(ctx context.Context, res sql.Result, id int64) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if rows > 0 {
		return nil
	}
	w, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if w.Status == StatusDisabled {
		return ErrWalletDisabled
	}
	return nil
}

// SetDisabled 显式停用或恢复钱包。
func (s *MySQLStore) SetDisabled(ctx context.Context, id int64, disabled bool) error {
	now := time.Now().Unix()
	var res sql.Result
	var err error
	if disabled {
		res, err = s.db.ExecContext(ctx,
			`UPDATE wallets SET status = ?, updated_at = ? WHERE id = ?`, StatusDisabled, now, id)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE wallets SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			StatusIdle, now, id, StatusDisabled)
	}
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新钱包停用状态失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
	}
	return nil
}

// ResetRunning 回收上次进程遗留的 running 钱包。
func (s *MySQLStore) ResetRunning(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE wallets SET status = ?, updated_at = ? WHERE status = ?`,
		StatusIdle, time.Now().Unix(), StatusRunning)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "回收 running 钱包失败")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	return int(rows), nil
}

// ApplyMetadata 合并外部可编辑字段。
func (s *MySQLStore) ApplyMetadata(ctx context.Context, patch MetadataPatch) error {
	sets := make([]string, 0, 4)
	args := make([]any, 0, 5)
	if patch.Proxy != nil {
		sets = append(sets, "proxy = ?")
		args = append(args, *patch.Proxy)
	}
	if patch.TwitterToken != nil {
		sets = append(sets, "twitter_token = ?")
		args = append(args, *patch.TwitterToken)
	}
	if patch.DiscordToken != nil {
		sets = append(sets, "discord_token = ?")
		args = append(args, *patch.DiscordToken)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().Unix(), normalizeAddress(patch.Address))

	res, err := s.db.ExecContext(ctx,
		`UPDATE wallets SET `+strings.Join(sets, ", ")+` WHERE address = ?`, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "同步钱包元数据失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.GetByAddress(ctx, patch.Address); getErr != nil {
			return getErr
		}
	}
	return nil
}

// SetUsedInviteCode 记录首跑时消耗的邀请码。
func (s *MySQLStore) SetUsedInviteCode(ctx context.Context, id int64, code string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE wallets SET used_invite_code = ?, updated_at = ? WHERE id = ?`,
		code, time.Now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录邀请码失败")
	}
	return requireAffected(res)
}

// UpdateUserInfo 回写门户同步到的账户信息。
func (s *MySQLStore) UpdateUserInfo(ctx context.Context, id int64, info UserInfoUpdate) error {
	const stmt = `UPDATE wallets SET points = ?, ` + "`rank`" + ` = ?,
        invite_code = CASE WHEN ? = '' THEN invite_code ELSE ? END, updated_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, stmt,
		info.Points, info.Rank, info.InviteCode, info.InviteCode, time.Now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "回写账户信息失败")
	}
	return requireAffected(res)
}

// Stats 返回状态分布聚合。
func (s *MySQLStore) Stats(ctx context.Context) (Stats, error) {
	const query = `SELECT
        COUNT(*) AS total,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS idle,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS running,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS cooling,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS disabled,
        COALESCE(MIN(CASE WHEN status = ? THEN next_eligible_at END), 0) AS next_eligible
        FROM wallets`

	row := s.db.QueryRowContext(ctx, query,
		StatusIdle, StatusRunning, StatusCoolingDown, StatusDisabled, StatusCoolingDown)

	var stats Stats
	var idle, running, cooling, disabled sql.NullInt64
	if err := row.Scan(&stats.Total, &idle, &running, &cooling, &disabled, &stats.NextEligibleAt); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询钱包统计失败")
	}
	stats.Idle = int(idle.Int64)
	stats.Running = int(running.Int64)
	stats.CoolingDown = int(cooling.Int64)
	stats.Disabled = int(disabled.Int64)
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func requireAffected(res sql.Result) error {
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrWalletNotFound
	}
	return nil
}

var _ Store = (*MySQLStore)(nil)
