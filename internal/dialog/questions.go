package dialog

import (
	"encoding/json"
	"math/rand"
	"os"
	"strings"

	xerrors "OpenFarm-Chain/internal/errors"
)

// defaultQuestions 在未提供题库文件时兜底，保证对话动作总能发问。
var defaultQuestions = []string{
	"What is the native token of this network used for?",
	"How do validators earn rewards on a proof of stake chain?",
	"Explain the difference between a faucet and a bridge.",
	"What happens when a transaction runs out of gas?",
	"Why do testnets exist and how do they differ from mainnet?",
	"What is an AI agent in the context of on-chain services?",
	"How does a swap on an AMM determine the output amount?",
	"What is the purpose of a nonce in an Ethereum transaction?",
}

// QuestionBank 为 AI 对话动作提供随机提问。
type QuestionBank struct {
	questions []string
}

// LoadQuestionBank 从 JSON 文件（字符串数组）加载题库。
// path 为空时使用内置题库。
func LoadQuestionBank(path string) (*QuestionBank, error) {
	if strings.TrimSpace(path) == "" {
		return &QuestionBank{questions: defaultQuestions}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "读取对话题库失败")
	}
	var questions []string
	if err := json.Unmarshal(data, &questions); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "解析对话题库失败")
	}

	trimmed := make([]string, 0, len(questions))
	for _, q := range questions {
		if s := strings.TrimSpace(q); s != "" {
			trimmed = append(trimmed, s)
		}
	}
	if len(trimmed) == 0 {
		return &QuestionBank{questions: defaultQuestions}, nil
	}
	return &QuestionBank{questions: trimmed}, nil
}

// Random 有放回地抽取一个问题。
func (b *QuestionBank) Random(rng *rand.Rand) string {
	if b == nil || len(b.questions) == 0 {
		return defaultQuestions[rng.Intn(len(defaultQuestions))]
	}
	return b.questions[rng.Intn(len(b.questions))]
}

// Size 返回题库容量。
func (b *QuestionBank) Size() int {
	if b == nil {
		return 0
	}
	return len(b.questions)
}
