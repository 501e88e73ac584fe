package utils

import (
	"context"
	"fmt"
	"net"
	"time"
)

// DefaultRouteTarget 只用于选路，UDP 拨号不会真正发包
const DefaultRouteTarget = "8.8.8.8:80"

// AdvertiseIP 返回注册到服务发现的本机地址。
// 配置了 advertise 时直接使用，否则向 target 拨一个 UDP 连接，取系统选中的本地地址。
func AdvertiseIP(ctx context.Context, advertise, target string) (string, error) {
	if advertise != "" {
		ip := net.ParseIP(advertise)
		if ip == nil {
			return "", fmt.Errorf("invalid advertise ip %q", advertise)
		}
		return ip.String(), nil
	}
	if target == "" {
		target = DefaultRouteTarget
	}

	dialer := net.Dialer{Timeout: 3 * time.Second}
	conn, err := dialer.DialContext(ctx, "udp", target)
	if err != nil {
		return "", fmt.Errorf("failed to dial %s to get outbound IP: %w", target, err)
	}
	defer conn.Close()

	localAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("unexpected local address type %T", conn.LocalAddr())
	}
	return localAddr.IP.String(), nil
}
