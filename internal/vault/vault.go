package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/base64"
	"io"
	"strings"
	"sync"

	xerrors "OpenFarm-Chain/internal/errors"
	"OpenFarm-Chain/internal/wallet"
	"OpenFarm-Chain/pkg/logger"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/scrypt"
)

const (
	CodeVaultAuthFailed  xerrors.Code = "VAULT_AUTH_FAILED"
	CodeVaultLocked      xerrors.Code = "VAULT_LOCKED"
	CodeVaultKeyNotFound xerrors.Code = "VAULT_KEY_NOT_FOUND"
	CodeVaultFailure     xerrors.Code = "VAULT_FAILURE"
)

func init() {
	xerrors.Register(CodeVaultAuthFailed, xerrors.Attributes{
		Message:   "vault password rejected",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeVaultLocked, xerrors.Attributes{
		Message:   "vault is locked",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeVaultKeyNotFound, xerrors.Attributes{
		Message:   "vault entry not found",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeVaultFailure, xerrors.Attributes{
		Message:   "vault operation failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// scrypt 参数。N 取 2^15 在守护进程上约数十毫秒完成派生，
// 足以抵御对单个口令的离线暴力破解。
const (
	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
	saltLen      = 32
	nonceLen     = 12
)

// checkPlaintext 是已知明文校验值，解锁时用它验证口令而不是试解任何私钥。
const checkPlaintext = "farmd-vault-check-v1"

// Header 保存保险库级别的加密元数据。所有条目共享同一个盐与派生密钥，
// 但每个条目使用独立的随机 nonce。
type Header struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`
	CheckNonce string `json:"check_nonce"`
	CheckValue string `json:"check_value"`
	ScryptN    int    `json:"scrypt_n"`
	ScryptR    int    `json:"scrypt_r"`
	ScryptP    int    `json:"scrypt_p"`
}

// Entry 是一条加密后的私钥记录。Plain 为真时 Ciphertext 直接存放十六进制私钥，
// 这是 private_key_encryption=false 时的明文模式。
type Entry struct {
	Address    string `json:"address"`
	Ciphertext string `json:"ciphertext"`
	Nonce      string `json:"nonce"`
	Plain      bool   `json:"plain"`
}

// Store 抽象保险库条目的持久化。
type Store interface {
	LoadHeader(ctx context.Context) (*Header, error)
	SaveHeader(ctx context.Context, header *Header) error
	PutEntry(ctx context.Context, entry Entry) error
	GetEntry(ctx context.Context, address string) (*Entry, error)
	Close() error
}

// Option 定制 Vault 的行为。
type Option func(*Vault)

// WithScryptParams 覆盖密钥派生参数，测试时用小参数加速。
func WithScryptParams(n, r, p int) Option {
	return func(v *Vault) {
		v.kdfN, v.kdfR, v.kdfP = n, r, p
	}
}

// Vault 管理私钥的加密存取。加密开启时必须先 Unlock；
// 解密出的私钥只存在于调用方的内存中，任何路径都不会回写明文。
type Vault struct {
	store   Store
	encrypt bool

	kdfN, kdfR, kdfP int

	mu     sync.RWMutex
	key    []byte
	header *Header
}

// New 创建 Vault。encrypt 为 false 时保险库工作在明文模式，Unlock 为空操作。
func New(store Store, encrypt bool, opts ...Option) *Vault {
	v := &Vault{
		store:   store,
		encrypt: encrypt,
		kdfN:    scryptN,
		kdfR:    scryptR,
		kdfP:    scryptP,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Unlock 用操作者口令解锁保险库。首次解锁时初始化盐与校验值；
// 之后口令错误返回 VAULT_AUTH_FAILED，属于致命错误，运行不应开始。
func (v *Vault) Unlock(ctx context.Context, password []byte) error {
	if !v.encrypt {
		return nil
	}
	if len(password) == 0 {
		return xerrors.New(CodeVaultAuthFailed, "口令不能为空")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	header, err := v.store.LoadHeader(ctx)
	if err != nil {
		return err
	}
	if header == nil {
		return v.initialize(ctx, password)
	}

	salt, err := base64.StdEncoding.DecodeString(header.Salt)
	if err != nil {
		return xerrors.Wrap(CodeVaultFailure, err, "解析保险库盐失败")
	}
	key, err := scrypt.Key(password, salt, header.ScryptN, header.ScryptR, header.ScryptP, scryptKeyLen)
	if err != nil {
		return xerrors.Wrap(CodeVaultFailure, err, "派生密钥失败")
	}

	nonce, err := base64.StdEncoding.DecodeString(header.CheckNonce)
	if err != nil {
		return xerrors.Wrap(CodeVaultFailure, err, "解析校验 nonce 失败")
	}
	checkValue, err := base64.StdEncoding.DecodeString(header.CheckValue)
	if err != nil {
		return xerrors.Wrap(CodeVaultFailure, err, "解析校验值失败")
	}

	plaintext, err := open(key, nonce, checkValue)
	if err != nil || string(plaintext) != checkPlaintext {
		return xerrors.New(CodeVaultAuthFailed, "保险库口令错误")
	}

	v.key = key
	v.header = header
	logger.Audit().Info("保险库已解锁")
	return nil
}

// initialize 生成盐与校验值并持久化。调用方必须持有写锁。
func (v *Vault) initialize(ctx context.Context, password []byte) error {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return xerrors.Wrap(CodeVaultFailure, err, "生成盐失败")
	}
	key, err := scrypt.Key(password, salt, v.kdfN, v.kdfR, v.kdfP, scryptKeyLen)
	if err != nil {
		return xerrors.Wrap(CodeVaultFailure, err, "派生密钥失败")
	}

	nonce, ciphertext, err := seal(key, []byte(checkPlaintext))
	if err != nil {
		return err
	}

	header := &Header{
		Version:    1,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		CheckNonce: base64.StdEncoding.EncodeToString(nonce),
		CheckValue: base64.StdEncoding.EncodeToString(ciphertext),
		ScryptN:    v.kdfN,
		ScryptR:    v.kdfR,
		ScryptP:    v.kdfP,
	}
	if err := v.store.SaveHeader(ctx, header); err != nil {
		return err
	}

	v.key = key
	v.header = header
	logger.Audit().Info("保险库初始化完成")
	return nil
}

// StoreKey 写入一把私钥，实现导入器的 KeyStorer 接口。
func (v *Vault) StoreKey(ctx context.Context, address, privateKeyHex string) error {
	address = strings.ToLower(strings.TrimSpace(address))
	keyHex := strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")

	if !v.encrypt {
		return v.store.PutEntry(ctx, Entry{Address: address, Ciphertext: keyHex, Plain: true})
	}

	v.mu.RLock()
	key := v.key
	v.mu.RUnlock()
	if key == nil {
		return xerrors.New(CodeVaultLocked, "保险库未解锁")
	}

	nonce, ciphertext, err := seal(key, []byte(keyHex))
	if err != nil {
		return err
	}
	return v.store.PutEntry(ctx, Entry{
		Address:    address,
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
	})
}

// Key 取出并解密指定地址的私钥。返回的密钥只应在本次运行内使用。
func (v *Vault) Key(ctx context.Context, address string) (*ecdsa.PrivateKey, error) {
	entry, err := v.store.GetEntry(ctx, strings.ToLower(strings.TrimSpace(address)))
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, xerrors.New(CodeVaultKeyNotFound, "地址没有对应的私钥: "+address)
	}

	if entry.Plain {
		privateKey, err := ethcrypto.HexToECDSA(entry.Ciphertext)
		if err != nil {
			return nil, xerrors.Wrap(CodeVaultFailure, err, "解析明文私钥失败")
		}
		return privateKey, nil
	}

	v.mu.RLock()
	key := v.key
	v.mu.RUnlock()
	if key == nil {
		return nil, xerrors.New(CodeVaultLocked, "保险库未解锁")
	}

	nonce, err := base64.StdEncoding.DecodeString(entry.Nonce)
	if err != nil {
		return nil, xerrors.Wrap(CodeVaultFailure, err, "解析条目 nonce 失败")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(entry.Ciphertext)
	if err != nil {
		return nil, xerrors.Wrap(CodeVaultFailure, err, "解析条目密文失败")
	}

	plaintext, err := open(key, nonce, ciphertext)
	if err != nil {
		return nil, xerrors.Wrap(CodeVaultFailure, err, "解密私钥失败")
	}
	defer clear(plaintext)

	privateKey, err := ethcrypto.HexToECDSA(string(plaintext))
	if err != nil {
		return nil, xerrors.Wrap(CodeVaultFailure, err, "解析私钥失败")
	}
	return privateKey, nil
}

// Unlocked 报告保险库当前是否可以解密。明文模式恒为真。
func (v *Vault) Unlocked() bool {
	if !v.encrypt {
		return true
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.key != nil
}

// Close 清除内存中的派生密钥并关闭底层存储。
func (v *Vault) Close() error {
	v.mu.Lock()
	if v.key != nil {
		clear(v.key)
		v.key = nil
	}
	v.mu.Unlock()
	return v.store.Close()
}

func seal(key, plaintext []byte) (nonce, ciphertext []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, xerrors.Wrap(CodeVaultFailure, err, "创建 AES 失败")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, xerrors.Wrap(CodeVaultFailure, err, "创建 GCM 失败")
	}
	nonce = make([]byte, nonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, xerrors.Wrap(CodeVaultFailure, err, "生成 nonce 失败")
	}
	return nonce, aead.Seal(nil, nonce, plaintext, nil), nil
}

func open(key, nonce, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ciphertext, nil)
}

var _ wallet.KeyStorer = (*Vault)(nil)
