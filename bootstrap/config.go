package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nacos-group/nacos-sdk-go/v2/clients"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/config_client"
	"github.com/nacos-group/nacos-sdk-go/v2/common/constant"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"gopkg.in/yaml.v3"

	"github.com/wangyingjie930/nexus-enrich/logger"
)

const (
	infraDataID = "enrich-infra.yaml"
	appDataID   = "enrich-app.yaml"
)

type InfraConfig struct {
	Database struct {
		// Driver 取值 mysql / postgres / sqlite
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"database"`
	Kafka struct {
		Brokers         string `yaml:"brokers"`
		EventsTopic     string `yaml:"eventsTopic"`
		GroupID         string `yaml:"groupId"`
		DeadLetterTopic string `yaml:"deadLetterTopic"`
	} `yaml:"kafka"`
	Redis struct {
		Addrs    string `yaml:"addrs"`
		Password string `yaml:"password"`
	} `yaml:"redis"`
	Jaeger struct {
		Endpoint string `yaml:"endpoint"`
	} `yaml:"jaeger"`
	Zookeeper struct {
		Addrs string `yaml:"addrs"`
	} `yaml:"zookeeper"`
	// Services 是静态服务地址，未配置的服务通过 nacos 发现
	Services map[string]string `yaml:"services"`
	CRM      struct {
		APIBaseURL   string `yaml:"apiBaseUrl"`
		FormsBaseURL string `yaml:"formsBaseUrl"`
	} `yaml:"crm"`
}

// AppConfig 存放业务逻辑配置
type AppConfig struct {
	LogLevel string `yaml:"logLevel"`
	HTTP     struct {
		Port int `yaml:"port"`
		// AdvertiseIP 是注册到 Nacos 的地址，为空时自动探测
		AdvertiseIP string `yaml:"advertiseIp"`
		// RouteTarget 是自动探测出站地址时拨号的目标
		RouteTarget string `yaml:"routeTarget"`
	} `yaml:"http"`
	Webhook struct {
		Secret         string `yaml:"secret"`
		TimeoutSeconds int    `yaml:"timeoutSeconds"`
	} `yaml:"webhook"`
	Enrichment EnrichmentConfig `yaml:"enrichment"`
	Resilience ResilienceConfig `yaml:"resilience"`
}

// EnrichmentConfig 是批处理、调度和重试的参数，时间统一用整数秒
type EnrichmentConfig struct {
	BatchLimit             int    `yaml:"batchLimit"`
	Concurrency            int    `yaml:"concurrency"`
	MaxRuntimeSeconds      int    `yaml:"maxRuntimeSeconds"`
	ItemTimeoutSeconds     int    `yaml:"itemTimeoutSeconds"`
	SafetyMarginSeconds    int    `yaml:"safetyMarginSeconds"`
	WriteTimeoutSeconds    int    `yaml:"writeTimeoutSeconds"`
	MaxAttempts            int    `yaml:"maxAttempts"`
	BackoffBaseSeconds     int    `yaml:"backoffBaseSeconds"`
	BackoffMaxSeconds      int    `yaml:"backoffMaxSeconds"`
	PollIntervalSeconds    int    `yaml:"pollIntervalSeconds"`
	SweepIntervalSeconds   int    `yaml:"sweepIntervalSeconds"`
	StaleAfterSeconds      int    `yaml:"staleAfterSeconds"`
	RetentionHours         int    `yaml:"retentionHours"`
	CredentialCacheSeconds int    `yaml:"credentialCacheSeconds"`
	DefaultRegion          string `yaml:"defaultRegion"`
	SchedulerEnabled       *bool  `yaml:"schedulerEnabled"`
}

// ResilienceConfig 结构体
type ResilienceConfig struct {
	Consumers map[string]ConsumerResilienceConfig `yaml:"consumers"`
}

// ConsumerResilienceConfig 结构体
type ConsumerResilienceConfig struct {
	Enabled          bool   `yaml:"enabled"`
	MaxRetries       int    `yaml:"maxRetries"`
	DltTopicTemplate string `yaml:"dltTopicTemplate"`
}

// Config 是整个应用唯一的全局配置入口
type Config struct {
	Infra InfraConfig `yaml:"infra"`
	App   AppConfig   `yaml:"app"`
}

var (
	// 全局配置实例
	GlobalConfig = new(Config)
	// 用于保护全局配置的读写
	configLock = new(sync.RWMutex)
	// Nacos 配置客户端，本地文件模式下为 nil
	nacosConfigClient config_client.IConfigClient

	nacosServerAddrs string
	nacosNamespace   string
	nacosGroup       string
)

// Init 是应用启动的第一步，负责加载所有配置。
// 设置了 ENRICH_CONFIG_PATH 时从本地文件加载，否则从 Nacos 配置中心拉取并监听。
func Init() {
	logger.Init("bootstrap", "")

	if path := os.Getenv("ENRICH_CONFIG_PATH"); path != "" {
		cfg, err := LoadFile(path)
		if err != nil {
			logger.Logger.Fatal().Err(err).Str("path", path).Msg("FATAL: failed to load config file")
		}
		configLock.Lock()
		*GlobalConfig = *cfg
		configLock.Unlock()
		logger.Logger.Info().Str("path", path).Msg("✅ Bootstrap Phase 1: configuration loaded from file.")
		return
	}

	// 1. 获取最基础的引导配置 (Nacos地址)
	nacosServerAddrs = getEnv("NACOS_SERVER_ADDRS", "localhost:8848")
	nacosNamespace = getEnv("NACOS_NAMESPACE", "")
	nacosGroup = getEnv("NACOS_GROUP", "DEFAULT_GROUP")

	// 2. 创建 Nacos 客户端配置
	serverConfigs, err := createNacosServerConfigs(nacosServerAddrs)
	if err != nil {
		logger.Logger.Fatal().Msgf("FATAL: Invalid Nacos server address format: %v", err)
	}
	clientConfig := createNacosClientConfig(nacosNamespace)

	// 3. 创建 Nacos 配置客户端
	nacosConfigClient, err = clients.NewConfigClient(
		vo.NacosClientParam{
			ClientConfig:  &clientConfig,
			ServerConfigs: serverConfigs,
		},
	)
	if err != nil {
		logger.Logger.Fatal().Msgf("FATAL: Failed to create Nacos config client: %v", err)
	}

	// 4. 拉取并监听两个配置文件
	initAndWatchSingleConfig(infraDataID, nacosGroup, &GlobalConfig.Infra)
	initAndWatchSingleConfig(appDataID, nacosGroup, &GlobalConfig.App)

	logger.Logger.Info().Msg("✅ Bootstrap Phase 1: All configurations loaded and watched successfully.")
}

// NacosEnabled 表示配置是否来自 Nacos，此时服务注册与发现也走 Nacos
func NacosEnabled() bool {
	return nacosConfigClient != nil
}

// LoadFile 从单个 yaml 文件加载 infra 与 app 两部分配置并补齐默认值
func LoadFile(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(content)
}

func Parse(content []byte) (*Config, error) {
	cfg := new(Config)
	if err := yaml.Unmarshal(content, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.App.Enrichment.applyDefaults()
	return cfg, nil
}

// GetCurrentConfig 返回一个线程安全的配置副本
func GetCurrentConfig() Config {
	configLock.RLock()
	defer configLock.RUnlock()
	cfg := *GlobalConfig
	cfg.App.Enrichment.applyDefaults()
	return cfg
}

// initAndWatchSingleConfig 是一个通用函数，用于拉取、解析和监听单个配置文件
func initAndWatchSingleConfig(dataId, group string, configPtr interface{}) {
	content, err := nacosConfigClient.GetConfig(vo.ConfigParam{DataId: dataId, Group: group})
	if err != nil {
		logger.Logger.Fatal().Msgf("FATAL: Failed to get initial config for DataId '%s': %v", dataId, err)
	}

	updateConfig(content, configPtr) // 加载初始配置

	err = nacosConfigClient.ListenConfig(vo.ConfigParam{
		DataId: dataId,
		Group:  group,
		OnChange: func(_, _, _, data string) {
			logger.Logger.Info().Str("data_id", dataId).Msg("🔔 Nacos config changed, applying new config")
			updateConfig(data, configPtr)
		},
	})
	if err != nil {
		logger.Logger.Fatal().Msgf("FATAL: Failed to listen config for DataId '%s': %v", dataId, err)
	}
}

// updateConfig 线程安全地更新配置
func updateConfig(content string, configPtr interface{}) {
	configLock.Lock()
	defer configLock.Unlock()
	if err := yaml.Unmarshal([]byte(content), configPtr); err != nil {
		logger.Logger.Error().Err(err).Msg("❌ failed to unmarshal Nacos config")
	}
}

func (e *EnrichmentConfig) applyDefaults() {
	setDefault(&e.BatchLimit, 50)
	setDefault(&e.Concurrency, 5)
	setDefault(&e.MaxRuntimeSeconds, 300)
	setDefault(&e.ItemTimeoutSeconds, 30)
	setDefault(&e.SafetyMarginSeconds, 10)
	setDefault(&e.WriteTimeoutSeconds, 10)
	setDefault(&e.MaxAttempts, 3)
	setDefault(&e.BackoffBaseSeconds, 60)
	setDefault(&e.BackoffMaxSeconds, 6*3600)
	setDefault(&e.PollIntervalSeconds, 30)
	setDefault(&e.SweepIntervalSeconds, 300)
	setDefault(&e.StaleAfterSeconds, 900)
	setDefault(&e.CredentialCacheSeconds, 300)
	if e.DefaultRegion == "" {
		e.DefaultRegion = "US"
	}
}

// SchedulerOn 未配置时默认开启
func (e EnrichmentConfig) SchedulerOn() bool {
	return e.SchedulerEnabled == nil || *e.SchedulerEnabled
}

// Seconds 把整数秒转换为 time.Duration
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func setDefault(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

// SplitAddrs 把逗号分隔的地址列表拆开并去掉空项
func SplitAddrs(addrs string) []string {
	var out []string
	for _, a := range strings.Split(addrs, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

func createNacosServerConfigs(addrs string) ([]constant.ServerConfig, error) {
	var serverConfigs []constant.ServerConfig
	for _, addr := range SplitAddrs(addrs) {
		parts := strings.Split(addr, ":")
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid address format: %s", addr)
		}
		port, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid port: %s", parts[1])
		}
		serverConfigs = append(serverConfigs, *constant.NewServerConfig(parts[0], port))
	}
	return serverConfigs, nil
}

func createNacosClientConfig(namespaceId string) constant.ClientConfig {
	return *constant.NewClientConfig(
		constant.WithNamespaceId(namespaceId),
		constant.WithTimeoutMs(5000),
		constant.WithNotLoadCacheAtStart(true),
		constant.WithLogDir("/tmp/nacos/log"),
		constant.WithCacheDir("/tmp/nacos/cache"),
		constant.WithLogLevel("warn"),
	)
}

// getEnv 是一个内部辅助函数，从环境变量中读取配置。
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
