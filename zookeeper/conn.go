package zookeeper

import (
	"errors"
	"time"

	"github.com/go-zookeeper/zk"

	"github.com/wangyingjie930/nexus-enrich/logger"
)

// Conn 是一个包装了官方zk.Conn的结构体，可以附加更多应用逻辑
type Conn struct {
	*zk.Conn
}

const defaultConnTimeout = 5 * time.Second

// InitZookeeper 初始化并返回一个ZooKeeper连接
func InitZookeeper(servers []string, timeout time.Duration) (*Conn, error) {
	if len(servers) == 0 || servers[0] == "" {
		return nil, errors.New("zookeeper: no servers configured")
	}
	if timeout <= 0 {
		timeout = defaultConnTimeout
	}

	// 事件通道用于接收连接状态的变化通知
	c, eventChan, err := zk.Connect(servers, timeout, zk.WithLogInfo(false))
	if err != nil {
		logger.Logger.Error().Err(err).Strs("servers", servers).Msg("❌ failed to connect to ZooKeeper")
		return nil, err
	}

	go func() {
		for event := range eventChan {
			if event.Type != zk.EventSession {
				continue
			}
			switch event.State {
			case zk.StateHasSession:
				logger.Logger.Info().Msg("✅ connected to ZooKeeper")
			case zk.StateDisconnected:
				logger.Logger.Warn().Msg("disconnected from ZooKeeper")
			case zk.StateExpired:
				// 会话过期后本实例持有的临时节点（锁）已全部失效
				logger.Logger.Warn().Msg("ZooKeeper session expired")
			}
		}
	}()

	return &Conn{c}, nil
}
