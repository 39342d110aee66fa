package scheduler

import (
	"context"
)

// Handler 处理来自派发队列的钱包编号。
type Handler func(ctx context.Context, walletID int64) error

// Producer 负责向队列投递钱包。
type Producer interface {
	Publish(ctx context.Context, walletID int64) error
	Close() error
}

// Consumer 负责从队列中消费钱包。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。队列只承载一次扫描周期内的
// 派发，钱包的运行资格始终由登记簿按时间判定，队列中的过期条目
// 会在领取阶段被拒绝。
type Queue interface {
	Producer
	Consumer
}
