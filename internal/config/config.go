package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	xerrors "OpenFarm-Chain/internal/errors"
)

// Config 描述了 farmd 在启动阶段需要加载的全部配置。
// 配置在加载后不可变，由入口统一注入各组件，不存在全局可变状态。
type Config struct {
	Security SecurityConfig `json:"security"`
	Run      RunConfig      `json:"run"`
	Actions  ActionsConfig  `json:"actions"`
	Storage  StorageConfig  `json:"storage"`
	Queue    QueueConfig    `json:"queue"`
	Web3     Web3Config     `json:"web3"`
	Portal   PortalConfig   `json:"portal"`
	Log      LogConfig      `json:"log"`
	Server   ServerConfig   `json:"server"`
	Runtime  RuntimeConfig  `json:"runtime"`
}

// SecurityConfig 控制私钥保险库的加密行为。
type SecurityConfig struct {
	// PrivateKeyEncryption 为 false 时保险库以明文存储私钥，Unlock 退化为空操作。
	// 这是暴露给操作者的安全/便利取舍，而非缺陷。
	PrivateKeyEncryption bool `json:"private_key_encryption"`
}

// Bounds 表示一个闭区间 [Min, Max]，用于随机抽取。
type Bounds struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// Valid 检查区间是否合法。
func (b Bounds) Valid() bool {
	return b.Min >= 0 && b.Max >= b.Min
}

// RunConfig 控制钱包的选取、并发与节奏。
type RunConfig struct {
	Threads           int    `json:"threads"`
	RangeWalletsToRun [2]int `json:"range_wallets_to_run"`
	ExactWalletsToRun []int  `json:"exact_wallets_to_run"`
	ShuffleWallets    bool   `json:"shuffle_wallets"`

	// 三组随机停顿，单位均为秒。
	PauseAfterCompletion Bounds `json:"random_pause_wallet_after_completion"`
	PauseBetweenActions  Bounds `json:"random_pause_between_actions"`
	PauseStartWallet     Bounds `json:"random_pause_start_wallet"`

	// ActionTimeoutSeconds 是单个动作的硬超时，防止网络调用拖死工作协程。
	ActionTimeoutSeconds int `json:"action_timeout_seconds"`
	// ScanIntervalSeconds 是资格扫描的兜底间隔；实际唤醒时间取
	// 冷却中钱包的最早 next_eligible 与该值的较小者。
	ScanIntervalSeconds int `json:"scan_interval_seconds"`
	// WalletTimeoutSeconds 是单个钱包整条流水线的硬超时。
	WalletTimeoutSeconds int `json:"wallet_timeout_seconds"`
}

// ActionsConfig 控制各动作模块的随机数量与比例。
type ActionsConfig struct {
	SwapsCount     Bounds   `json:"swaps_count"`
	SwapsPercent   Bounds   `json:"swaps_percent"`
	AIDialogsCount Bounds   `json:"ai_dialogs_count"`
	InviteCodes    []string `json:"invite_codes"`
	QuizBank       string   `json:"quiz_bank"`
	// AIAgentURL 为空时跳过全部 AI 对话动作。
	AIAgentURL      string `json:"ai_agent_url"`
	AIServiceID     string `json:"ai_service_id"`
	DialogQuestions string `json:"dialog_questions"`
	// MaxRetries 是瞬态网络错误降级为动作失败前的重试次数。
	MaxRetries int `json:"max_retries"`
	// RetryBackoffSeconds 是重试之间的基础退避时间。
	RetryBackoffSeconds int `json:"retry_backoff_seconds"`
}

// StorageConfig 描述钱包登记簿与保险库的持久化后端。
type StorageConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// QueueConfig 描述派发队列的驱动。队列只承载一次扫描周期内的派发，
// 钱包资格始终由登记簿按时间判定。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列的连接参数。
type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Queue     string `json:"queue"`
	BlockWait int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// Web3Config 包含访问目标链所需的端点信息。
type Web3Config struct {
	ChainConfig  string `json:"chain_config"`
	DefaultChain string `json:"default_chain"`
	// BridgeChain 是跨链动作的目标链，缺省时跨链动作整体跳过。
	BridgeChain string `json:"bridge_chain"`
	RPCURL      string `json:"rpc_url"`
}

// PortalConfig 描述生态门户各后端的地址。
type PortalConfig struct {
	TestnetAPI     string `json:"testnet_api"`
	FaucetAPI      string `json:"faucet_api"`
	QuizAPI        string `json:"quiz_api"`
	PointsAPI      string `json:"points_api"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// LogConfig 控制日志行为。
type LogConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
}

// ServerConfig 控制操作者 API 的监听地址。
type ServerConfig struct {
	Address        string `json:"address"`
	MetricsAddress string `json:"metrics_address"`
}

// RuntimeConfig 放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
	// KeysFile 是一次性导入的明文私钥文件，导入后会被清空。
	KeysFile string `json:"keys_file"`
	// ProxyFile 按行存放代理，与导入的钱包按位置关联。
	ProxyFile string `json:"proxy_file"`
}

// Load 解析指定路径的 JSON 配置文件并完成校验。
// 校验失败属于启动期致命错误，运行不会开始。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "打开配置文件失败")
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "读取配置文件失败")
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "解析配置失败")
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Run.Threads <= 0 {
		c.Run.Threads = 1
	}
	if c.Run.ActionTimeoutSeconds <= 0 {
		c.Run.ActionTimeoutSeconds = 120
	}
	if c.Run.ScanIntervalSeconds <= 0 {
		c.Run.ScanIntervalSeconds = 60
	}
	if c.Run.WalletTimeoutSeconds <= 0 {
		c.Run.WalletTimeoutSeconds = 3600
	}

	if c.Actions.MaxRetries <= 0 {
		c.Actions.MaxRetries = 3
	}
	if c.Actions.RetryBackoffSeconds <= 0 {
		c.Actions.RetryBackoffSeconds = 3
	}
	if c.Actions.SwapsPercent.Max == 0 {
		c.Actions.SwapsPercent = Bounds{Min: 5, Max: 25}
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}

	if c.Portal.TimeoutSeconds <= 0 {
		c.Portal.TimeoutSeconds = 30
	}

	if c.Log.Level == "" {
		c.Log.Level = "INFO"
	}

	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	if c.Runtime.KeysFile == "" {
		c.Runtime.KeysFile = filepath.Join(c.Runtime.DataDir, "private_keys.txt")
	} else if !filepath.IsAbs(c.Runtime.KeysFile) {
		c.Runtime.KeysFile = filepath.Join(baseDir, c.Runtime.KeysFile)
	}
	if c.Runtime.ProxyFile == "" {
		c.Runtime.ProxyFile = filepath.Join(c.Runtime.DataDir, "proxy.txt")
	} else if !filepath.IsAbs(c.Runtime.ProxyFile) {
		c.Runtime.ProxyFile = filepath.Join(baseDir, c.Runtime.ProxyFile)
	}
	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}
	if c.Actions.QuizBank != "" && !filepath.IsAbs(c.Actions.QuizBank) {
		c.Actions.QuizBank = filepath.Join(baseDir, c.Actions.QuizBank)
	}
	if c.Actions.DialogQuestions != "" && !filepath.IsAbs(c.Actions.DialogQuestions) {
		c.Actions.DialogQuestions = filepath.Join(baseDir, c.Actions.DialogQuestions)
	}
}

// Validate 检查配置值之间的约束。
func (c *Config) Validate() error {
	if c.Run.Threads < 1 {
		return xerrors.New(xerrors.CodeConfigInvalid, "threads 必须大于 0")
	}

	start, end := c.Run.RangeWalletsToRun[0], c.Run.RangeWalletsToRun[1]
	if start < 0 || end < 0 {
		return xerrors.New(xerrors.CodeConfigInvalid, "range_wallets_to_run 不允许负数")
	}
	if start > end {
		return xerrors.New(xerrors.CodeConfigInvalid,
			fmt.Sprintf("range_wallets_to_run 区间颠倒: [%d, %d]", start, end))
	}
	for _, idx := range c.Run.ExactWalletsToRun {
		if idx < 1 {
			return xerrors.New(xerrors.CodeConfigInvalid,
				fmt.Sprintf("exact_wallets_to_run 序号必须从 1 开始: %d", idx))
		}
	}

	for name, bounds := range map[string]Bounds{
		"random_pause_wallet_after_completion": c.Run.PauseAfterCompletion,
		"random_pause_between_actions":         c.Run.PauseBetweenActions,
		"random_pause_start_wallet":            c.Run.PauseStartWallet,
		"swaps_count":                          c.Actions.SwapsCount,
		"ai_dialogs_count":                     c.Actions.AIDialogsCount,
	} {
		if !bounds.Valid() {
			return xerrors.New(xerrors.CodeConfigInvalid,
				fmt.Sprintf("%s 区间非法: [%d, %d]", name, bounds.Min, bounds.Max))
		}
	}

	if !c.Actions.SwapsPercent.Valid() || c.Actions.SwapsPercent.Max > 100 {
		return xerrors.New(xerrors.CodeConfigInvalid,
			fmt.Sprintf("swaps_percent 必须落在 [0, 100]: [%d, %d]",
				c.Actions.SwapsPercent.Min, c.Actions.SwapsPercent.Max))
	}

	switch strings.ToLower(c.Storage.Driver) {
	case "memory":
	case "mysql":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return xerrors.New(xerrors.CodeConfigInvalid, "mysql 驱动需要配置 dsn")
		}
	default:
		return xerrors.New(xerrors.CodeConfigInvalid,
			fmt.Sprintf("未知的存储驱动: %s", c.Storage.Driver))
	}

	switch strings.ToLower(c.Queue.Driver) {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.Queue.Redis.Address) == "" {
			return xerrors.New(xerrors.CodeConfigInvalid, "redis 队列需要配置 address")
		}
	case "rabbitmq":
		if strings.TrimSpace(c.Queue.RabbitMQ.URL) == "" {
			return xerrors.New(xerrors.CodeConfigInvalid, "rabbitmq 队列需要配置 url")
		}
	default:
		return xerrors.New(xerrors.CodeConfigInvalid,
			fmt.Sprintf("未知的队列驱动: %s", c.Queue.Driver))
	}

	switch strings.ToUpper(strings.TrimSpace(c.Log.Level)) {
	case "DEBUG", "INFO", "WARNING", "WARN", "ERROR":
	default:
		return xerrors.New(xerrors.CodeConfigInvalid,
			fmt.Sprintf("未知的日志级别: %s", c.Log.Level))
	}

	return nil
}

// HasExplicitSelection 报告是否配置了显式钱包序号集合。
// 显式集合非空时优先于区间过滤。
func (c *Config) HasExplicitSelection() bool {
	return len(c.Run.ExactWalletsToRun) > 0
}

// HasRangeSelection 报告区间过滤是否生效。[0,0] 表示不启用区间。
func (c *Config) HasRangeSelection() bool {
	return c.Run.RangeWalletsToRun != [2]int{0, 0}
}
