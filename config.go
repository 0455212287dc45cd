package memlsm

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/goccy/go-yaml"

	"github.com/xiaoxuxiansheng/memlsm/arena"
	"github.com/xiaoxuxiansheng/memlsm/dberrors"
	"github.com/xiaoxuxiansheng/memlsm/dbformat"
	"github.com/xiaoxuxiansheng/memlsm/memtable"
)

const (
	// 布隆过滤器为每个 key 预留的 bit 数
	filterBitsPerKey = 10
	// 估算 key 个数时单条记录在 arena 中的平均占用，单位 byte
	estimatedEntrySize = 64
	// 布隆过滤器 bitmap 长度的下限
	minFilterBits = 64 * 1024
)

// 配置项聚合
type Config struct {
	// memtable 相关
	MemTableSize   uint64 `yaml:"memtable_size"`    // 活跃 memtable 的内存阈值，超过后切换为只读，默认 4MB
	ArenaBlockSize int    `yaml:"arena_block_size"` // arena 的标准 block 大小，默认 4KB
	FilterBits     int    `yaml:"filter_bits"`      // 每个 memtable 布隆过滤器的 bitmap 长度，默认按 MemTableSize 推算，负数表示不使用过滤器

	Log LogConfig `yaml:"logger"`

	Comparator    dbformat.Comparator    `yaml:"-"` // user key 比较器，默认按字节序
	MergeOperator memtable.MergeOperator `yaml:"-"` // merge 记录的合并方式，默认不支持 merge
	Logger        *slog.Logger           `yaml:"-"` // 默认根据 Log 构造
}

type LogConfig struct {
	Level string `yaml:"level"` // debug / info / warn / error，默认 info
	JSON  bool   `yaml:"json"`
}

// 配置文件构造器.
func NewConfig(opts ...ConfigOption) (*Config, error) {
	var c Config

	// 加载配置项
	for _, opt := range opts {
		opt(&c)
	}

	// 兜底修复
	if err := repaire(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadConfig 从 yaml 文件加载配置，opts 覆盖文件中的配置. 文件不存在时使用默认配置
func LoadConfig(path string, opts ...ConfigOption) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			slog.Info("config file not found, using default config", "path", path)
			return NewConfig(opts...)
		}
		return nil, fmt.Errorf("%w: read config %s: %v", dberrors.ErrIOError, path, err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: parse config %s: %v", dberrors.ErrInvalidArgument, path, err)
	}
	for _, opt := range opts {
		opt(&c)
	}
	if err := repaire(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

// 配置项
type ConfigOption func(*Config)

// 活跃 memtable 的内存阈值，单位 byte. 默认为 4MB.
func WithMemTableSize(size uint64) ConfigOption {
	return func(c *Config) {
		c.MemTableSize = size
	}
}

// arena 的标准 block 大小，单位 byte. 默认为 4KB.
func WithArenaBlockSize(size int) ConfigOption {
	return func(c *Config) {
		c.ArenaBlockSize = size
	}
}

// 每个 memtable 布隆过滤器的 bitmap 长度. 传入负数关闭过滤器.
// 默认按 MemTableSize 能容纳的记录数，每个 key 10 bit 推算.
func WithFilterBits(bits int) ConfigOption {
	return func(c *Config) {
		c.FilterBits = bits
	}
}

// 注入 user key 比较器. 默认按字节序.
func WithComparator(cmp dbformat.Comparator) ConfigOption {
	return func(c *Config) {
		c.Comparator = cmp
	}
}

// 注入 merge operator. 未注入时读取到 merge 记录返回 ErrNotSupported.
func WithMergeOperator(op memtable.MergeOperator) ConfigOption {
	return func(c *Config) {
		c.MergeOperator = op
	}
}

// 注入 logger. 默认根据 Log 配置输出到 stderr.
func WithLogger(logger *slog.Logger) ConfigOption {
	return func(c *Config) {
		c.Logger = logger
	}
}

func WithLogLevel(level string) ConfigOption {
	return func(c *Config) {
		c.Log.Level = level
	}
}

func repaire(c *Config) error {
	// 活跃 memtable 默认 4MB 切换.
	if c.MemTableSize <= 0 {
		c.MemTableSize = 4 * 1024 * 1024
	}

	// arena 默认 block 大小与 arena 包保持一致.
	if c.ArenaBlockSize <= 0 {
		c.ArenaBlockSize = arena.BlockSize
	}

	// 布隆过滤器按 memtable 能容纳的 key 个数推算，不低于 64K bit.
	if c.FilterBits == 0 {
		c.FilterBits = max(int(c.MemTableSize/estimatedEntrySize)*filterBitsPerKey, minFilterBits)
	}

	if c.Comparator == nil {
		c.Comparator = dbformat.BytewiseComparator
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return fmt.Errorf("%w: log level %q", dberrors.ErrInvalidArgument, c.Log.Level)
	}

	if c.Logger == nil {
		opts := slog.HandlerOptions{Level: level}
		if c.Log.JSON {
			c.Logger = slog.New(slog.NewJSONHandler(os.Stderr, &opts))
		} else {
			c.Logger = slog.New(slog.NewTextHandler(os.Stderr, &opts))
		}
	}
	return nil
}
