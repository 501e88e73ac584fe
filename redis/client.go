package redis

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wangyingjie930/nexus-enrich/logger"
)

// Client 包装 UniversalClient，并维护一个按名字注册的 Lua 脚本表
type Client struct {
	rdb     redis.UniversalClient
	scripts *sync.Map
}

// NewClient 创建一个新的 Redis 客户端实例
// 对于集群模式, redisAddrs 应该是逗号分隔的地址列表 "host1:port1,host2:port2"
func NewClient(ctx context.Context, redisAddrs, password string) (*Client, error) {
	addrs := strings.Split(redisAddrs, ",")
	logger.Logger.Info().Strs("addrs", addrs).Msg("connecting to redis")

	var rdb redis.UniversalClient
	if len(addrs) > 1 {
		rdb = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        addrs,
			Password:     password,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		})
	} else {
		rdb = redis.NewClient(&redis.Options{
			Addr:     addrs[0],
			Password: password,
		})
	}

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	logger.Logger.Info().Msg("✅ Successfully connected to Redis.")

	return Wrap(rdb), nil
}

// Wrap 使用已有的连接创建 Client，测试中配合 miniredis 使用
func Wrap(rdb redis.UniversalClient) *Client {
	return &Client{
		rdb:     rdb,
		scripts: new(sync.Map),
	}
}

// LoadScript 以 name 注册一个 Lua 脚本，同名脚本只能注册一次
func (c *Client) LoadScript(name, content string) error {
	if _, loaded := c.scripts.LoadOrStore(name, redis.NewScript(content)); loaded {
		return fmt.Errorf("script '%s' is already loaded", name)
	}
	logger.Logger.Debug().Str("script", name).Msg("lua script registered")
	return nil
}

// RunScript 执行一个已注册的 Lua 脚本，返回值由调用方解释
func (c *Client) RunScript(ctx context.Context, name string, keys []string, args ...interface{}) (interface{}, error) {
	val, ok := c.scripts.Load(name)
	if !ok {
		return nil, fmt.Errorf("script '%s' not loaded", name)
	}
	script := val.(*redis.Script)

	// Run 先尝试 EVALSHA，NOSCRIPT 时自动回退到 EVAL
	result, err := script.Run(ctx, c.rdb, keys, args...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to run script '%s': %w", name, err)
	}
	return result, nil
}

// GetClient 返回底层的 redis 客户端，以便执行其他通用命令
func (c *Client) GetClient() redis.UniversalClient {
	return c.rdb
}

func (c *Client) Close() error {
	return c.rdb.Close()
}
