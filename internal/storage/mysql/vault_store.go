package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "OpenFarm-Chain/internal/errors"
	"OpenFarm-Chain/internal/vault"
)

// SQLVaultStore 把保险库头与私钥条目持久化到 MySQL，
// 多实例部署时各工作进程共享同一份密钥材料。
type SQLVaultStore struct {
	db *sql.DB
}

// NewSQLVaultStore 建立连接并初始化保险库表结构。
func NewSQLVaultStore(ctx context.Context, cfg Config) (*SQLVaultStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	store := &SQLVaultStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLVaultStore) initSchema(ctx context.Context) error {
	const headerSchema = `CREATE TABLE IF NOT EXISTS vault_header (
	id TINYINT NOT NULL PRIMARY KEY,
	version INT NOT NULL,
	salt TEXT NOT NULL,
	check_nonce TEXT NOT NULL,
	check_value TEXT NOT NULL,
	scrypt_n INT NOT NULL,
	scrypt_r INT NOT NULL,
	scrypt_p INT NOT NULL,
	updated_at BIGINT NOT NULL
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`
	const entrySchema = `CREATE TABLE IF NOT EXISTS vault_entries (
	address VARCHAR(64) NOT NULL PRIMARY KEY,
	ciphertext TEXT NOT NULL,
	nonce TEXT NOT NULL,
	plain TINYINT NOT NULL DEFAULT 0,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`

	if _, err := s.db.ExecContext(ctx, headerSchema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 vault_header 表失败")
	}
	if _, err := s.db.ExecContext(ctx, entrySchema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 vault_entries 表失败")
	}
	return nil
}

// LoadHeader 实现 vault.Store。保险库尚未初始化时返回 nil。
func (s *SQLVaultStore) LoadHeader(ctx context.Context) (*vault.Header, error) {
	const query = `SELECT version, salt, check_nonce, check_value, scrypt_n, scrypt_r, scrypt_p
FROM vault_header WHERE id = 1`
	var header vault.Header
	err := s.db.QueryRowContext(ctx, query).Scan(
		&header.Version, &header.Salt, &header.CheckNonce, &header.CheckValue,
		&header.ScryptN, &header.ScryptR, &header.ScryptP,
	)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取保险库头失败")
	}
	return &header, nil
}

// SaveHeader 实现 vault.Store。
func (s *SQLVaultStore) SaveHeader(ctx context.Context, header *vault.Header) error {
	if header == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "保险库头不能为空")
	}
	const query = `INSERT INTO vault_header
(id, version, salt, check_nonce, check_value, scrypt_n, scrypt_r, scrypt_p, updated_at)
VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE version = VALUES(version), salt = VALUES(salt),
	check_nonce = VALUES(check_nonce), check_value = VALUES(check_value),
	scrypt_n = VALUES(scrypt_n), scrypt_r = VALUES(scrypt_r), scrypt_p = VALUES(scrypt_p),
	updated_at = VALUES(updated_at)`
	if _, err := s.db.ExecContext(ctx, query,
		header.Version, header.Salt, header.CheckNonce, header.CheckValue,
		header.ScryptN, header.ScryptR, header.ScryptP, time.Now().Unix(),
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存保险库头失败")
	}
	return nil
}

// PutEntry 实现 vault.Store。重复导入同一地址时覆盖旧条目。
func (s *SQLVaultStore) PutEntry(ctx context.Context, entry vault.Entry) error {
	address := strings.ToLower(strings.TrimSpace(entry.Address))
	if address == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "条目地址不能为空")
	}
	now := time.Now().Unix()
	const query = `INSERT INTO vault_entries (address, ciphertext, nonce, plain, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE ciphertext = VALUES(ciphertext), nonce = VALUES(nonce),
	plain = VALUES(plain), updated_at = VALUES(updated_at)`
	plain := 0
	if entry.Plain {
		plain = 1
	}
	if _, err := s.db.ExecContext(ctx, query,
		address, entry.Ciphertext, entry.Nonce, plain, now, now,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存保险库条目失败")
	}
	return nil
}

// GetEntry 实现 vault.Store。未命中时返回 nil。
func (s *SQLVaultStore) GetEntry(ctx context.Context, address string) (*vault.Entry, error) {
	const query = `SELECT address, ciphertext, nonce, plain FROM vault_entries WHERE address = ?`
	var entry vault.Entry
	var plain int
	err := s.db.QueryRowContext(ctx, query, strings.ToLower(strings.TrimSpace(address))).Scan(
		&entry.Address, &entry.Ciphertext, &entry.Nonce, &plain,
	)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取保险库条目失败")
	}
	entry.Plain = plain == 1
	return &entry, nil
}

// Close 实现 vault.Store。
func (s *SQLVaultStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ vault.Store = (*SQLVaultStore)(nil)
