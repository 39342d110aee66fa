package quizbank

import (
	"encoding/json"
	"os"
	"strings"

	xerrors "OpenFarm-Chain/internal/errors"
)

// Entry 是题库中的一条答案：Keywords 命中题干时使用 Answer 作答。
type Entry struct {
	Keywords []string `json:"keywords"`
	Answer   string   `json:"answer"`
}

// Bank 提供测验题目的本地答案检索。
type Bank struct {
	entries []Entry
}

// builtinEntries 覆盖门户的常见题目，题库文件可以补充或覆盖。
var builtinEntries = []Entry{
	{Keywords: []string{"native token", "gas token"}, Answer: "KITE"},
	{Keywords: []string{"consensus", "proof of"}, Answer: "Proof of Stake"},
	{Keywords: []string{"faucet"}, Answer: "Claim free testnet tokens"},
	{Keywords: []string{"bridge"}, Answer: "Move assets between chains"},
	{Keywords: []string{"agent", "ai service"}, Answer: "An autonomous on-chain AI service"},
}

// New 创建内置题库。
func New() *Bank {
	return &Bank{entries: builtinEntries}
}

// Load 从 JSON 文件加载题库并叠加在内置条目之前，文件条目优先命中。
// path 为空时仅使用内置题库。
func Load(path string) (*Bank, error) {
	if strings.TrimSpace(path) == "" {
		return New(), nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "读取测验题库失败")
	}
	defer file.Close()

	var entries []Entry
	if err := json.NewDecoder(file).Decode(&entries); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "解析测验题库失败")
	}
	return &Bank{entries: append(entries, builtinEntries...)}, nil
}

// Lookup 按关键词在题库中检索答案。choices 非空时把答案对齐到
// 最接近的选项；找不到答案时返回 false，调用方按作答失败处理。
func (b *Bank) Lookup(question string, choices []string) (string, bool) {
	if b == nil {
		return "", false
	}
	normalized := strings.ToLower(strings.TrimSpace(question))
	if normalized == "" {
		return "", false
	}

	for _, entry := range b.entries {
		if !matches(entry, normalized) {
			continue
		}
		if len(choices) == 0 {
			return entry.Answer, true
		}
		if choice, ok := alignChoice(entry.Answer, choices); ok {
			return choice, true
		}
	}
	return "", false
}

// Size 返回题库条目数。
func (b *Bank) Size() int {
	if b == nil {
		return 0
	}
	return len(b.entries)
}

func matches(entry Entry, question string) bool {
	for _, keyword := range entry.Keywords {
		normalized := strings.ToLower(strings.TrimSpace(keyword))
		if normalized == "" {
			continue
		}
		if strings.Contains(question, normalized) {
			return true
		}
	}
	return false
}

// alignChoice 在选项中找到与答案等价的一项：先找完全相等，再找包含关系。
func alignChoice(answer string, choices []string) (string, bool) {
	normalized := strings.ToLower(strings.TrimSpace(answer))
	for _, choice := range choices {
		if strings.ToLower(strings.TrimSpace(choice)) == normalized {
			return choice, true
		}
	}
	for _, choice := range choices {
		lowered := strings.ToLower(choice)
		if strings.Contains(lowered, normalized) || strings.Contains(normalized, lowered) {
			return choice, true
		}
	}
	return "", false
}
