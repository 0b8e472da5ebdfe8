package xquery

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// Format 定义配置文件格式。
type Format string

// 支持的配置格式。
const (
	// FormatYAML YAML 格式（推荐用于 K8s ConfigMap）。
	FormatYAML Format = "yaml"
	// FormatJSON JSON 格式。
	FormatJSON Format = "json"
)

const (
	// DefaultEvictionGrace 订阅数归零后 Entry 可被淘汰前的默认宽限期。
	DefaultEvictionGrace = 5 * time.Minute

	// DefaultGCInterval 后台淘汰扫描的默认间隔。
	DefaultGCInterval = time.Minute
)

// Config 是 Client 的可加载配置。
//
// 示例（YAML）：
//
//	default:
//	  stale_after: 0s
//	eviction_grace: 5m
//	gc_interval: 1m
//	classes:
//	  user:
//	    stale_after: 30s
//	    background_interval: 1m
//	    retry:
//	      attempts: 3
//	      delay: 100ms
//
// classes 下未设置的字段继承 default。
type Config struct {
	// Default 为未匹配任何类别时使用的 Policy。
	Default Policy `koanf:"default"`

	// Classes 按 Key.Class() 匹配的 Policy。
	Classes map[string]Policy `koanf:"-"`

	// EvictionGrace 订阅数归零后的淘汰宽限期。
	EvictionGrace time.Duration `koanf:"eviction_grace"`

	// GCInterval 后台淘汰扫描间隔，0 表示不启动后台扫描（可手动调用 EvictUnreferenced）。
	GCInterval time.Duration `koanf:"gc_interval"`

	// SubscriberBuffer 订阅通道缓冲大小。
	SubscriberBuffer int `koanf:"subscriber_buffer"`

	// ShardCount Entry Store 分片数，0 表示默认值。只在 New 时生效。
	ShardCount int `koanf:"shard_count"`
}

// DefaultConfig 返回默认配置。
func DefaultConfig() *Config {
	return &Config{
		EvictionGrace:    DefaultEvictionGrace,
		GCInterval:       DefaultGCInterval,
		SubscriberBuffer: DefaultSubscriberBuffer,
	}
}

// Validate 检查配置是否有效。
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}
	if c.EvictionGrace < 0 || c.GCInterval < 0 {
		return fmt.Errorf("%w: eviction_grace and gc_interval must not be negative", ErrInvalidConfig)
	}
	if c.SubscriberBuffer < 0 {
		return fmt.Errorf("%w: subscriber_buffer must not be negative", ErrInvalidConfig)
	}
	if c.ShardCount != 0 {
		if err := validShardCount(c.ShardCount); err != nil {
			return err
		}
	}
	if err := c.Default.Validate(); err != nil {
		return fmt.Errorf("default: %w", err)
	}
	for name, p := range c.Classes {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("class %q: %w", name, err)
		}
	}
	return nil
}

// Policy 返回 Key 对应的 Policy：先按类别匹配，否则使用 Default。
func (c *Config) Policy(key Key) Policy {
	if p, ok := c.Classes[key.Class()]; ok {
		return p
	}
	return c.Default
}

// =============================================================================
// 加载
// =============================================================================

// LoadConfig 从文件加载配置，根据扩展名识别格式（.yaml/.yml 或 .json）。
func LoadConfig(path string) (*Config, error) {
	format, err := detectFormat(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadFailed, err)
	}
	return ParseConfig(data, format)
}

// ParseConfig 从字节数据解析配置。空数据返回默认配置。
func ParseConfig(data []byte, format Format) (*Config, error) {
	parser, err := parserFor(format)
	if err != nil {
		return nil, err
	}

	k := koanf.New(".")
	if len(data) > 0 {
		if err := k.Load(rawbytes.Provider(data), parser); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrParseFailed, err)
		}
	}

	cfg := DefaultConfig()
	conf := koanf.UnmarshalConf{Tag: "koanf"}
	if err := k.UnmarshalWithConf("", cfg, conf); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParseFailed, err)
	}

	// 类别策略以 Default 为底，只覆盖显式设置的字段。
	classKeys := k.MapKeys("classes")
	if len(classKeys) > 0 {
		cfg.Classes = make(map[string]Policy, len(classKeys))
	}
	for _, name := range classKeys {
		p := cfg.Default
		if err := k.UnmarshalWithConf("classes."+name, &p, conf); err != nil {
			return nil, fmt.Errorf("%w: class %q: %w", ErrParseFailed, name, err)
		}
		cfg.Classes[name] = p
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func detectFormat(path string) (Format, error) {
	if path == "" {
		return "", fmt.Errorf("%w: empty config path", ErrLoadFailed)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("%w: unknown extension %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

func parserFor(format Format) (koanf.Parser, error) {
	switch format {
	case FormatYAML:
		return yaml.Parser(), nil
	case FormatJSON:
		return json.Parser(), nil
	default:
		return nil, ErrUnsupportedFormat
	}
}
