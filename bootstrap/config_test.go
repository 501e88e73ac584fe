package bootstrap

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
infra:
  database:
    driver: mysql
    dsn: "root:pw@tcp(localhost:3306)/enrich?parseTime=true"
  kafka:
    brokers: "k1:9092, k2:9092"
    eventsTopic: crm-contact-events
    groupId: enrich
  services:
    validation-service: http://validation:8080
app:
  logLevel: debug
  http:
    port: 8090
    advertiseIp: 10.0.0.7
  enrichment:
    batchLimit: 20
    itemTimeoutSeconds: 15
    schedulerEnabled: false
  resilience:
    consumers:
      crm-contact-events:
        enabled: true
        maxRetries: 2
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "mysql", cfg.Infra.Database.Driver)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, SplitAddrs(cfg.Infra.Kafka.Brokers))
	assert.Equal(t, "http://validation:8080", cfg.Infra.Services["validation-service"])
	assert.Equal(t, 8090, cfg.App.HTTP.Port)
	assert.Equal(t, "10.0.0.7", cfg.App.HTTP.AdvertiseIP)

	e := cfg.App.Enrichment
	assert.Equal(t, 20, e.BatchLimit)
	assert.Equal(t, 15*time.Second, Seconds(e.ItemTimeoutSeconds))
	assert.Equal(t, 5, e.Concurrency, "unset values get defaults")
	assert.Equal(t, 3, e.MaxAttempts)
	assert.Equal(t, "US", e.DefaultRegion)
	assert.False(t, e.SchedulerOn())

	rc := cfg.App.Resilience.Consumers["crm-contact-events"]
	assert.True(t, rc.Enabled)
	assert.Equal(t, 2, rc.MaxRetries)
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse([]byte("infra: [unclosed"))
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "enrich.yaml")
	require.NoError(t, os.WriteFile(path, []byte("app:\n  http:\n    port: 9000\n"), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.App.HTTP.Port)
	assert.True(t, cfg.App.Enrichment.SchedulerOn())

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestCreateNacosServerConfigs(t *testing.T) {
	configs, err := createNacosServerConfigs("n1:8848,n2:8849")
	require.NoError(t, err)
	require.Len(t, configs, 2)
	assert.Equal(t, "n2", configs[1].IpAddr)
	assert.EqualValues(t, 8849, configs[1].Port)

	_, err = createNacosServerConfigs("n1")
	assert.Error(t, err)
	_, err = createNacosServerConfigs("n1:abc")
	assert.Error(t, err)
}
