package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config 拦截核心的运行配置
type Config struct {
	// AllowedCommands stdio传输允许执行的命令；为空表示全部放行（开发模式）
	AllowedCommands []string `mapstructure:"allowed_commands"`

	// DataDir 录制数据库所在目录
	DataDir string `mapstructure:"data_dir"`

	// BusCapacity 事件总线有界订阅者容量
	BusCapacity int `mapstructure:"bus_capacity"`

	// ObservationQueue 传输层观测队列容量
	ObservationQueue int `mapstructure:"observation_queue"`

	// PendingTableCap 关联器每会话待匹配请求上限
	PendingTableCap int `mapstructure:"pending_table_cap"`

	// FlushInterval / FlushBatch 录制器落盘策略：二者先到先触发
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	FlushBatch    int           `mapstructure:"flush_batch"`

	// CORSOrigins 本地HTTP监听的跨域白名单
	CORSOrigins []string `mapstructure:"cors_origins"`

	// TokenEncoding tiktoken编码名；为空使用字符启发式
	TokenEncoding string `mapstructure:"token_encoding"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		AllowedCommands: []string{
			"npx", "node", "python", "python3", "uvx", "uv", "deno", "bun", "bash", "sh",
		},
		DataDir:          defaultDataDir(),
		BusCapacity:      4096,
		ObservationQueue: 4096,
		PendingTableCap:  10000,
		FlushInterval:    100 * time.Millisecond,
		FlushBatch:       100,
		CORSOrigins: []string{
			"http://localhost:*", "http://127.0.0.1:*",
		},
		TokenEncoding: "",
	}
}

func defaultDataDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return ".reticle"
	}
	return filepath.Join(base, "reticle")
}

// IsCommandAllowed 检查命令是否在白名单内
//
// 按可执行文件基础名匹配，路径前缀不参与比较；
// 白名单为空时全部放行。
func (c *Config) IsCommandAllowed(command string) bool {
	if len(c.AllowedCommands) == 0 {
		return true
	}
	base := filepath.Base(strings.TrimSpace(command))
	for _, allowed := range c.AllowedCommands {
		if base == filepath.Base(allowed) {
			return true
		}
	}
	return false
}

// ManagerOption 配置管理器选项
type ManagerOption func(*Manager)

// WithConfigPath 设置配置文件路径
func WithConfigPath(path string) ManagerOption {
	return func(m *Manager) {
		m.configPath = path
	}
}

// WithWatchEnabled 启用配置文件热加载
func WithWatchEnabled(enabled bool) ManagerOption {
	return func(m *Manager) {
		m.watchEnabled = enabled
	}
}

// Manager 配置管理器
type Manager struct {
	mu           sync.RWMutex
	config       *Config
	v            *viper.Viper
	configPath   string
	watchEnabled bool
	onChange     []func(*Config)
}

// NewManager 创建配置管理器
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load 加载配置；文件不存在时使用默认值
func (m *Manager) Load() (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.config != nil {
		return m.config, nil
	}

	v := viper.New()
	defaults := DefaultConfig()
	v.SetDefault("allowed_commands", defaults.AllowedCommands)
	v.SetDefault("data_dir", defaults.DataDir)
	v.SetDefault("bus_capacity", defaults.BusCapacity)
	v.SetDefault("observation_queue", defaults.ObservationQueue)
	v.SetDefault("pending_table_cap", defaults.PendingTableCap)
	v.SetDefault("flush_interval", defaults.FlushInterval)
	v.SetDefault("flush_batch", defaults.FlushBatch)
	v.SetDefault("cors_origins", defaults.CORSOrigins)
	v.SetDefault("token_encoding", defaults.TokenEncoding)

	if m.configPath != "" {
		v.SetConfigFile(m.configPath)
	} else {
		v.SetConfigName("reticle")
		v.SetConfigType("yaml")
		v.AddConfigPath(defaultDataDir())
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("RETICLE")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	m.config = config
	m.v = v

	if m.watchEnabled && v.ConfigFileUsed() != "" {
		v.OnConfigChange(func(_ fsnotify.Event) {
			m.reload()
		})
		v.WatchConfig()
	}

	return config, nil
}

// Get 获取配置（未加载时自动加载）
func (m *Manager) Get() (*Config, error) {
	m.mu.RLock()
	if m.config != nil {
		defer m.mu.RUnlock()
		return m.config, nil
	}
	m.mu.RUnlock()
	return m.Load()
}

// OnChange 注册配置变更回调
func (m *Manager) OnChange(fn func(*Config)) {
	m.mu.Lock()
	m.onChange = append(m.onChange, fn)
	m.mu.Unlock()
}

func (m *Manager) reload() {
	m.mu.Lock()
	config := &Config{}
	if err := m.v.Unmarshal(config); err != nil {
		m.mu.Unlock()
		return
	}
	m.config = config
	callbacks := m.onChange
	m.mu.Unlock()

	for _, fn := range callbacks {
		fn(config)
	}
}
