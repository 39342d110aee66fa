package wallet

import (
	"bufio"
	"context"
	"os"
	"strings"

	xerrors "OpenFarm-Chain/internal/errors"
	"OpenFarm-Chain/pkg/logger"
	"github.com/ethereum/go-ethereum/crypto"
)

// KeyStorer 是导入器写入私钥的最小接口，由保险库实现。
type KeyStorer interface {
	StoreKey(ctx context.Context, address, privateKeyHex string) error
}

// Importer 负责把明文私钥文件一次性导入登记簿与保险库。
// 导入以推导地址作为幂等键：已存在的地址直接跳过，重复导入不产生副作用。
type Importer struct {
	store Store
	keys  KeyStorer
}

// NewImporter 创建 Importer。
func NewImporter(store Store, keys KeyStorer) *Importer {
	return &Importer{store: store, keys: keys}
}

// ImportResult 汇总一次导入的结果。
type ImportResult struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
	Invalid  int `json:"invalid"`
}

// ImportPlaintextKeys 读取 keysFile 中的私钥（每行一个，允许 0x 前缀），
// 推导地址后写入登记簿与保险库，并按位置从 proxyFile 关联代理。
// 成功后清空 keysFile，明文私钥不在磁盘上保留。
func (im *Importer) ImportPlaintextKeys(ctx context.Context, keysFile, proxyFile string) (ImportResult, error) {
	var result ImportResult

	lines, err := readLines(keysFile)
	if err != nil {
		if os.IsNotExist(err) {
			return result, nil
		}
		return result, xerrors.Wrap(CodeWalletImport, err, "读取私钥文件失败")
	}
	if len(lines) == 0 {
		return result, nil
	}

	proxies, err := readLines(proxyFile)
	if err != nil && !os.IsNotExist(err) {
		return result, xerrors.Wrap(CodeWalletImport, err, "读取代理文件失败")
	}

	var invalid []string
	for i, line := range lines {
		keyHex := strings.TrimPrefix(strings.TrimSpace(line), "0x")
		privateKey, err := crypto.HexToECDSA(keyHex)
		if err != nil {
			result.Invalid++
			invalid = append(invalid, line)
			logger.L().Warn("跳过无法解析的私钥", "line", i+1, "error", err)
			continue
		}
		address := strings.ToLower(crypto.PubkeyToAddress(privateKey.PublicKey).Hex())

		if _, err := im.store.GetByAddress(ctx, address); err == nil {
			result.Skipped++
			continue
		} else if xerrors.CodeOf(err) != CodeWalletNotFound {
			return result, err
		}

		w := &Wallet{Address: address, Status: StatusIdle}
		if len(proxies) > 0 {
			w.Proxy = strings.TrimSpace(proxies[i%len(proxies)])
		}
		if err := im.store.Create(ctx, w); err != nil {
			if xerrors.CodeOf(err) == CodeWalletConflict {
				result.Skipped++
				continue
			}
			return result, err
		}
		if err := im.keys.StoreKey(ctx, address, keyHex); err != nil {
			return result, xerrors.Wrap(CodeWalletImport, err, "写入保险库失败")
		}
		result.Imported++
	}

	// 全部行处理完毕后清理源文件：已入库或已存在的私钥不再以明文保留，
	// 即使本次没有新导入（例如上次清空前崩溃后的重跑）也要清空；
	// 无法解析的行写回原文件，留给操作者排查。
	if err := rewriteKeysFile(keysFile, invalid); err != nil {
		return result, xerrors.Wrap(CodeWalletImport, err, "清理私钥文件失败")
	}
	logger.Audit().Info("私钥导入完成",
		"imported", result.Imported,
		"skipped", result.Skipped,
		"invalid", result.Invalid,
	)
	return result, nil
}

func rewriteKeysFile(path string, keep []string) error {
	if len(keep) == 0 {
		return os.WriteFile(path, nil, 0o600)
	}
	return os.WriteFile(path, []byte(strings.Join(keep, "\n")+"\n"), 0o600)
}

func readLines(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}
