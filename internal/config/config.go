package config

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	xerrors "ForgeOS-Agent/internal/errors"
	"ForgeOS-Agent/internal/kaspa"
	"ForgeOS-Agent/internal/observability/tracing"
	"ForgeOS-Agent/internal/profile"
	"ForgeOS-Agent/internal/signer"
	"ForgeOS-Agent/pkg/logger"
)

// 默认的金库地址，同时也是默认归集地址。
const defaultTreasuryAddress = "kaspa:qpv7fcvdlz6th4hqjtm9qkkms2dw0raem963x3hm8glu3kjgj7922vy69hv85"

// Config 描述了 forgeosd 在启动阶段需要加载的全部配置。
type Config struct {
	Server        ServerConfig        `json:"server"`
	Auth          AuthConfig          `json:"auth"`
	Logging       logger.Config       `json:"logging"`
	Network       NetworkConfig       `json:"network"`
	Engine        EngineConfig        `json:"engine"`
	Agent         profile.AgentConfig `json:"agent"`
	Runtime       RuntimeConfig       `json:"runtime"`
	Treasury      TreasuryConfig      `json:"treasury"`
	Signer        signer.Config       `json:"signer"`
	Storage       StorageConfig       `json:"storage"`
	Events        EventsConfig        `json:"events"`
	Observability ObservabilityConfig `json:"observability"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address            string   `json:"address"`
	ReadTimeoutSeconds int      `json:"read_timeout_seconds"`
	CORSOrigins        []string `json:"cors_origins"`
}

// AuthConfig 控制 API 鉴权方式。
type AuthConfig struct {
	Mode   string `json:"mode"`
	Secret string `json:"secret"`
	Issuer string `json:"issuer"`
}

// NetworkConfig 描述目标网络与链上数据源。
type NetworkConfig struct {
	ID                string   `json:"id"`
	WalletAddress     string   `json:"wallet_address"`
	EndpointsFile     string   `json:"endpoints_file"`
	APIRoots          []string `json:"api_roots"`
	StreamURL         string   `json:"stream_url"`
	PollIntervalMS    int      `json:"poll_interval_ms"`
	RequestTimeoutMS  int      `json:"request_timeout_ms"`
	RequestsPerSecond float64  `json:"requests_per_second"`
}

// EngineConfig 描述决策引擎。
type EngineConfig struct {
	Provider        string `json:"provider"`
	URL             string `json:"url"`
	APIKey          string `json:"api_key"`
	Token           string `json:"token"`
	Model           string `json:"model"`
	MaxTokens       int    `json:"max_tokens"`
	TimeoutMS       int    `json:"timeout_ms"`
	FallbackEnabled *bool  `json:"fallback_enabled"`
}

// RuntimeConfig 用于放置编排器的运行参数。
type RuntimeConfig struct {
	CycleIntervalSeconds int      `json:"cycle_interval_seconds"`
	DailyCycleLimit      int      `json:"daily_cycle_limit"`
	ConfidenceFloor      *float64 `json:"confidence_floor"`
	ReserveKas           *float64 `json:"reserve_kas"`
	NetworkFeeKas        *float64 `json:"network_fee_kas"`
	AccumulateOnly       bool     `json:"accumulate_only"`
	LiveExecutionArmed   bool     `json:"live_execution_armed"`
	MaxDailyAutoKas      float64  `json:"max_daily_auto_kas"`
	AccumulationVault    string   `json:"accumulation_vault"`
	DataDir              string   `json:"data_dir"`
}

// TreasuryConfig 描述协议费与分配比例。
type TreasuryConfig struct {
	Address       string   `json:"address"`
	FeeRate       *float64 `json:"fee_rate"`
	TreasurySplit *float64 `json:"treasury_split"`
	AgentSplit    *float64 `json:"agent_split"`
}

// StorageConfig 选择会话与配额的持久化后端。
type StorageConfig struct {
	Driver string      `json:"driver"`
	Path   string      `json:"path"`
	DSN    string      `json:"dsn"`
	Redis  RedisConfig `json:"redis"`
}

// RedisConfig 描述 Redis 连接。
type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	KeyPrefix string `json:"key_prefix"`
}

// EventsConfig 选择信号总线。
type EventsConfig struct {
	Driver   string      `json:"driver"`
	Redis    RedisConfig `json:"redis"`
	List     string      `json:"list"`
	AMQPURL  string      `json:"amqp_url"`
	Queue    string      `json:"queue"`
	Prefetch int         `json:"prefetch"`
}

// ObservabilityConfig 汇总指标、追踪与告警。
type ObservabilityConfig struct {
	MetricsAddress string         `json:"metrics_address"`
	Tracing        tracing.Config `json:"tracing"`
	AlertWebhook   string         `json:"alert_webhook"`
}

// Load 负责解析指定路径的 JSON 配置文件，并依次应用默认值、环境变量与校验。
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
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Agent = cfg.Agent.Normalized()
	return &cfg, nil
}

func floatPtr(v float64) *float64 { return &v }

func resolvePath(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeoutSeconds <= 0 {
		c.Server.ReadTimeoutSeconds = 15
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}

	if c.Network.ID == "" {
		c.Network.ID = kaspa.DefaultNetworkID
	}
	if c.Network.PollIntervalMS <= 0 {
		c.Network.PollIntervalMS = 5000
	}
	if c.Network.RequestTimeoutMS <= 0 {
		c.Network.RequestTimeoutMS = 12000
	}
	c.Network.EndpointsFile = resolvePath(baseDir, c.Network.EndpointsFile)

	if c.Engine.Provider == "" {
		c.Engine.Provider = "anthropic"
	}
	if c.Engine.TimeoutMS <= 0 {
		c.Engine.TimeoutMS = 30000
	}
	if c.Engine.FallbackEnabled == nil {
		enabled := true
		c.Engine.FallbackEnabled = &enabled
	}

	if strings.TrimSpace(string(c.Agent.Risk)) == "" {
		c.Agent.Risk = profile.RiskMedium
	}
	if strings.TrimSpace(string(c.Agent.ExecMode)) == "" {
		c.Agent.ExecMode = profile.ExecManual
	}

	if c.Runtime.CycleIntervalSeconds == 0 {
		c.Runtime.CycleIntervalSeconds = 120
	}
	if c.Runtime.DailyCycleLimit == 0 {
		c.Runtime.DailyCycleLimit = 30
	}
	if c.Runtime.ConfidenceFloor == nil {
		c.Runtime.ConfidenceFloor = floatPtr(0.75)
	}
	if c.Runtime.ReserveKas == nil {
		c.Runtime.ReserveKas = floatPtr(0.5)
	}
	if c.Runtime.NetworkFeeKas == nil {
		c.Runtime.NetworkFeeKas = floatPtr(0.0002)
	}
	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else {
		c.Runtime.DataDir = resolvePath(baseDir, c.Runtime.DataDir)
	}

	if c.Treasury.Address == "" {
		c.Treasury.Address = defaultTreasuryAddress
	}
	if c.Treasury.FeeRate == nil {
		c.Treasury.FeeRate = floatPtr(0.20)
	}
	if c.Treasury.TreasurySplit == nil {
		c.Treasury.TreasurySplit = floatPtr(0.30)
	}
	if c.Treasury.AgentSplit == nil {
		c.Treasury.AgentSplit = floatPtr(0.70)
	}
	if c.Runtime.AccumulationVault == "" {
		c.Runtime.AccumulationVault = c.Treasury.Address
	}

	if c.Signer.Provider == "" {
		c.Signer.Provider = signer.ProviderDemo
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "file"
	}
	switch c.Storage.Driver {
	case "file":
		if c.Storage.Path == "" {
			c.Storage.Path = filepath.Join(c.Runtime.DataDir, "state")
		}
	case "sqlite":
		if c.Storage.Path == "" {
			c.Storage.Path = filepath.Join(c.Runtime.DataDir, "forgeos.db")
		}
	}
	c.Storage.Path = resolvePath(baseDir, c.Storage.Path)

	if c.Events.Driver == "" {
		c.Events.Driver = "memory"
	}
}

// applyEnv 用 FORGEOS_* 环境变量覆盖配置。
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	boolean := func(key string, dst *bool) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		parsed, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return xerrors.Wrap(xerrors.CodeConfigInvalid, err, key+" must be a boolean")
		}
		*dst = parsed
		return nil
	}

	str("FORGEOS_ENGINE_API_KEY", &c.Engine.APIKey)
	str("FORGEOS_ENGINE_URL", &c.Engine.URL)
	str("FORGEOS_ENGINE_MODEL", &c.Engine.Model)
	str("FORGEOS_ENGINE_PROVIDER", &c.Engine.Provider)
	str("FORGEOS_WALLET_ADDRESS", &c.Network.WalletAddress)
	str("FORGEOS_NETWORK", &c.Network.ID)
	str("FORGEOS_KAS_WS_URL", &c.Network.StreamURL)
	str("FORGEOS_AUTH_SECRET", &c.Auth.Secret)
	str("FORGEOS_STORAGE_DSN", &c.Storage.DSN)
	str("FORGEOS_SIGNER_RPC_URL", &c.Signer.RPCURL)
	if v, ok := lookup("FORGEOS_KAS_API"); ok && strings.TrimSpace(v) != "" {
		c.Network.APIRoots = strings.Split(v, ",")
	}

	if v, ok := lookup("FORGEOS_ENGINE_FALLBACK"); ok && strings.TrimSpace(v) != "" {
		parsed, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return xerrors.Wrap(xerrors.CodeConfigInvalid, err, "FORGEOS_ENGINE_FALLBACK must be a boolean")
		}
		c.Engine.FallbackEnabled = &parsed
	}
	if err := boolean("FORGEOS_ACCUMULATE_ONLY", &c.Runtime.AccumulateOnly); err != nil {
		return err
	}
	if err := boolean("FORGEOS_LIVE_EXECUTION", &c.Runtime.LiveExecutionArmed); err != nil {
		return err
	}
	return nil
}

// Validate rejects configurations that would make the runtime unsafe.
func (c *Config) Validate() error {
	var problems []string
	fail := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}
	bad := func(v float64) bool { return math.IsNaN(v) || math.IsInf(v, 0) }

	fee, ts, as := deref(c.Treasury.FeeRate), deref(c.Treasury.TreasurySplit), deref(c.Treasury.AgentSplit)
	if bad(fee) || fee < 0 {
		fail("treasury.fee_rate must be >= 0")
	}
	if bad(ts) || ts < 0 || ts > 1 {
		fail("treasury.treasury_split must be within [0,1]")
	}
	if bad(as) || as < 0 || as > 1 {
		fail("treasury.agent_split must be within [0,1]")
	}
	if math.Abs(ts+as-1) > 1e-9 {
		fail("treasury.treasury_split + treasury.agent_split must equal 1")
	}
	if r := deref(c.Runtime.ReserveKas); bad(r) || r < 0 {
		fail("runtime.reserve_kas must be >= 0")
	}
	if f := deref(c.Runtime.NetworkFeeKas); bad(f) || f < 0 {
		fail("runtime.network_fee_kas must be >= 0")
	}
	if c.Runtime.CycleIntervalSeconds <= 0 {
		fail("runtime.cycle_interval_seconds must be > 0")
	}
	if c.Runtime.DailyCycleLimit < 1 {
		fail("runtime.daily_cycle_limit must be >= 1")
	}
	if f := deref(c.Runtime.ConfidenceFloor); bad(f) || f < 0 || f > 1 {
		fail("runtime.confidence_floor must be within [0,1]")
	}
	if c.Runtime.MaxDailyAutoKas < 0 {
		fail("runtime.max_daily_auto_kas must be >= 0")
	}

	if _, ok := profile.ParseExecMode(string(c.Agent.ExecMode)); !ok {
		fail("agent.exec_mode %q is not supported", c.Agent.ExecMode)
	}
	if !profile.ValidRiskTier(string(c.Agent.Risk)) {
		fail("agent.risk %q is not supported", c.Agent.Risk)
	}

	switch c.Storage.Driver {
	case "memory", "file", "sqlite":
	case "mysql":
		if c.Storage.DSN == "" {
			fail("storage.dsn is required for mysql")
		}
	case "redis":
		if c.Storage.Redis.Address == "" {
			fail("storage.redis.address is required for redis")
		}
	default:
		fail("storage.driver %q is not supported", c.Storage.Driver)
	}

	switch c.Events.Driver {
	case "none", "memory":
	case "redis":
		if c.Events.Redis.Address == "" {
			fail("events.redis.address is required for redis")
		}
	case "rabbitmq":
		if c.Events.AMQPURL == "" {
			fail("events.amqp_url is required for rabbitmq")
		}
	default:
		fail("events.driver %q is not supported", c.Events.Driver)
	}

	switch c.Engine.Provider {
	case "anthropic":
	case "proxy":
		if c.Engine.URL == "" {
			fail("engine.url is required for the proxy provider")
		}
	default:
		fail("engine.provider %q is not supported", c.Engine.Provider)
	}

	switch c.Auth.Mode {
	case "disabled":
	case "jwt":
		if c.Auth.Secret == "" {
			fail("auth.secret is required when auth.mode is jwt")
		}
	default:
		fail("auth.mode %q is not supported", c.Auth.Mode)
	}

	switch c.Signer.Provider {
	case signer.ProviderDemo:
	case signer.ProviderRPC:
		if c.Signer.RPCURL == "" {
			fail("signer.rpc_url is required for the rpc provider")
		}
	default:
		fail("signer.provider %q is not supported", c.Signer.Provider)
	}

	network, ok := kaspa.LookupNetwork(c.Network.ID)
	if !ok {
		fail("network.id %q is not a known Kaspa network", c.Network.ID)
	} else if c.Network.WalletAddress != "" && !kaspa.IsAddressPrefixCompatible(c.Network.WalletAddress, network) {
		fail("network.wallet_address prefix does not match network %s", network.ID)
	}

	if len(problems) > 0 {
		return xerrors.New(xerrors.CodeConfigInvalid, strings.Join(problems, "; "))
	}
	return nil
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
