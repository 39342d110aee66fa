package pipeline

import (
	"context"
	"crypto/ecdsa"
	stdErrors "errors"
	"fmt"
	"math/big"

	"OpenFarm-Chain/internal/dialog"
	xerrors "OpenFarm-Chain/internal/errors"
	"OpenFarm-Chain/internal/portal"
	"OpenFarm-Chain/internal/wallet"
	"OpenFarm-Chain/internal/web3"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// 路由合约的方法选择器。生态的兑换与跨链路由都以原生币入金，
// 跨链调用额外携带目标链编号。
var (
	swapSelector   = ethcrypto.Keccak256([]byte("swapNativeForToken()"))[:4]
	bridgeSelector = ethcrypto.Keccak256([]byte("bridgeNativeTo(uint64)"))[:4]
)

// defaultBadgeIDs 是门户当前开放铸造的徽章编号。
var defaultBadgeIDs = []int64{1, 2, 3}

// quizSize 是一次测验包含的题目数。
const quizSize = 3

func skipUnit(reason string) error {
	return xerrors.New(CodeActionSkipped, reason)
}

// registerUnit 用邀请码完成门户注册。邀请码从邀请池抽取，
// 池为空时按无邀请注册。门户返回冲突说明账户已存在，补记注册状态即可。
func (r *Runner) registerUnit(session *portal.Session, w *wallet.Wallet) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		code, err := r.deps.Referrals.Draw(ctx, w.ID)
		if err != nil {
			return err
		}
		if err := session.Register(ctx, code); err != nil {
			var apiErr *portal.APIError
			if stdErrors.As(err, &apiErr) && apiErr.StatusCode == 409 {
				// 门户侧已存在该账户，本地补记注册状态即可。
				code = registeredWithoutReferral
				return r.deps.Store.SetUsedInviteCode(ctx, w.ID, code)
			}
			return err
		}
		if code == "" {
			code = registeredWithoutReferral
		}
		return r.deps.Store.SetUsedInviteCode(ctx, w.ID, code)
	}
}

// registeredWithoutReferral 是无邀请注册时写入登记簿的占位值，
// 用于区分"未注册"与"已注册但没有邀请码"。
const registeredWithoutReferral = "-"

// faucetUnit 申领水龙头。门户按天限频，不可领取时直接跳过。
func (r *Runner) faucetUnit(session *portal.Session, info portal.UserInfo) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if !info.FaucetClaimable {
			return skipUnit("水龙头今日已领取")
		}
		return session.ClaimFaucet(ctx)
	}
}

// quizUnit 完成一次测验：创建、拉题、逐题作答。题库未命中且题目
// 带选项时随机作答，连选项都没有的题目按动作失败处理。
func (r *Runner) quizUnit(session *portal.Session, title string, completed bool) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if completed {
			return skipUnit("测验 " + title + " 已完成")
		}

		quizID, err := session.CreateQuiz(ctx, title, quizSize)
		if err != nil {
			return err
		}
		quiz, err := session.GetQuiz(ctx, quizID)
		if err != nil {
			return err
		}

		for _, question := range quiz.Questions {
			answer, ok := r.deps.Quiz.Lookup(question.Content, question.Choices)
			if !ok {
				if len(question.Choices) == 0 {
					return xerrors.New(CodeActionFailed,
						fmt.Sprintf("题库未收录且无选项可选: %s", question.Content))
				}
				answer = r.pick(question.Choices)
			}
			if err := session.SubmitQuizAnswer(ctx, quizID, question.QuestionID, answer); err != nil {
				return err
			}
		}
		return nil
	}
}

// badgeUnit 铸造尚未持有的第一个徽章。全部持有时跳过。
func (r *Runner) badgeUnit(session *portal.Session, info portal.UserInfo) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		owned := make(map[int64]bool, len(info.Badges))
		for _, id := range info.Badges {
			owned[id] = true
		}
		for _, id := range defaultBadgeIDs {
			if !owned[id] {
				return session.MintBadge(ctx, id)
			}
		}
		return skipUnit("全部徽章已持有")
	}
}

// swapUnit 在默认链上执行一次兑换。余额为零是硬前置，直接跳过；
// 兑换金额按配置比例从余额中抽取。
func (r *Runner) swapUnit(w *wallet.Wallet) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		client, err := r.deps.Chains.DefaultClient()
		if err != nil {
			return err
		}
		def, _ := r.deps.Chains.Definition(r.deps.Chains.DefaultChain())
		if def.SwapRouter == "" {
			return skipUnit("默认链未配置兑换路由")
		}

		amount, key, err := r.prepareSpend(ctx, client, w)
		if err != nil {
			return err
		}
		result, err := client.Submit(ctx, key, web3.TxRequest{
			To:    common.HexToAddress(def.SwapRouter),
			Value: amount,
			Data:  swapSelector,
		})
		if err != nil {
			return err
		}
		if !result.Success {
			return xerrors.New(CodeActionFailed, "兑换交易回执失败: "+result.Hash.Hex())
		}
		return nil
	}
}

// bridgeUnit 把一小部分余额通过跨链路由发往目标链。
func (r *Runner) bridgeUnit(w *wallet.Wallet) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		client, err := r.deps.Chains.DefaultClient()
		if err != nil {
			return err
		}
		def, _ := r.deps.Chains.Definition(r.deps.Chains.DefaultChain())
		if def.BridgeRouter == "" {
			return skipUnit("默认链未配置跨链路由")
		}
		bridgeClient, ok := r.deps.Chains.BridgeClient()
		if !ok {
			return skipUnit("未配置跨链目标链")
		}
		targetID, err := bridgeClient.ChainID(ctx)
		if err != nil {
			return err
		}

		amount, key, err := r.prepareSpend(ctx, client, w)
		if err != nil {
			return err
		}
		data := append(append([]byte{}, bridgeSelector...), common.LeftPadBytes(targetID.Bytes(), 32)...)
		result, err := client.Submit(ctx, key, web3.TxRequest{
			To:    common.HexToAddress(def.BridgeRouter),
			Value: amount,
			Data:  data,
		})
		if err != nil {
			return err
		}
		if !result.Success {
			return xerrors.New(CodeActionFailed, "跨链交易回执失败: "+result.Hash.Hex())
		}
		return nil
	}
}

// prepareSpend 检查余额并按 swaps_percent 抽取本次花费金额，
// 同时取回签名私钥。余额或抽取金额为零时返回跳过。
func (r *Runner) prepareSpend(ctx context.Context, client web3.Client, w *wallet.Wallet) (*big.Int, *ecdsa.PrivateKey, error) {
	balance, err := client.Balance(ctx, common.HexToAddress(w.Address))
	if err != nil {
		return nil, nil, err
	}
	if balance.Sign() == 0 {
		return nil, nil, skipUnit("余额为零")
	}

	percent := r.draw(r.actions.SwapsPercent)
	amount := new(big.Int).Mul(balance, big.NewInt(int64(percent)))
	amount.Div(amount, big.NewInt(100))
	if amount.Sign() == 0 {
		return nil, nil, skipUnit("按比例抽取的金额为零")
	}

	key, err := r.deps.Keys.Key(ctx, w.Address)
	if err != nil {
		return nil, nil, err
	}
	return amount, key, nil
}

// dialogUnit 向生态 AI 代理发起一次对话并上报推理回执。
func (r *Runner) dialogUnit(session *portal.Session, w *wallet.Wallet) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		r.mu.Lock()
		question := r.deps.Questions.Random(r.rng)
		r.mu.Unlock()
		if question == "" {
			return skipUnit("问题库为空")
		}

		reply, err := r.deps.Agent.Chat(ctx, dialog.Prompt{Question: question, Address: w.Address})
		if err != nil {
			return err
		}
		return session.ReportInference(ctx, reply.ServiceID, question, reply.Content)
	}
}

// pick 从选项中随机取一个。
func (r *Runner) pick(choices []string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return choices[r.rng.Intn(len(choices))]
}
