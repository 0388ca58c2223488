package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// DefaultPrefix 是所有键的默认命名空间。
const DefaultPrefix = "flowpilot"

// Config 描述 Redis 连接参数。
type Config struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Enabled 判断是否配置了 Redis。
func (c Config) Enabled() bool { return strings.TrimSpace(c.Address) != "" }

// Prefix 返回生效的键前缀。
func (c Config) Prefix() string {
	if p := strings.Trim(strings.TrimSpace(c.KeyPrefix), ":"); p != "" {
		return p
	}
	return DefaultPrefix
}

// Open 创建客户端并执行一次 PING。
func Open(ctx context.Context, cfg Config) (*goredis.Client, error) {
	if !cfg.Enabled() {
		return nil, errors.New("Redis address 不能为空")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return client, nil
}

// Key 用冒号拼接命名空间与各段。
func Key(prefix string, parts ...string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return strings.Join(append([]string{prefix}, parts...), ":")
}

// IsNil 判断是否为键不存在。
func IsNil(err error) bool { return errors.Is(err, goredis.Nil) }
