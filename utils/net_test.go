package utils

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdvertiseIP(t *testing.T) {
	ctx := context.Background()

	ip, err := AdvertiseIP(ctx, "10.1.2.3", "")
	require.NoError(t, err)
	assert.Equal(t, "10.1.2.3", ip)

	_, err = AdvertiseIP(ctx, "not-an-ip", "")
	assert.ErrorContains(t, err, "invalid advertise ip")

	// 回环地址选路不依赖外网
	ip, err = AdvertiseIP(ctx, "", "127.0.0.1:9")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", ip)
}
