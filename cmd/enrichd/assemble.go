package main

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/hashicorp/go-multierror"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/wangyingjie930/nexus-enrich/admin"
	"github.com/wangyingjie930/nexus-enrich/bootstrap"
	"github.com/wangyingjie930/nexus-enrich/crm"
	"github.com/wangyingjie930/nexus-enrich/directory"
	"github.com/wangyingjie930/nexus-enrich/enrich"
	"github.com/wangyingjie930/nexus-enrich/httpclient"
	"github.com/wangyingjie930/nexus-enrich/ingest"
	"github.com/wangyingjie930/nexus-enrich/logger"
	"github.com/wangyingjie930/nexus-enrich/mq"
	"github.com/wangyingjie930/nexus-enrich/nacos"
	"github.com/wangyingjie930/nexus-enrich/queue"
	"github.com/wangyingjie930/nexus-enrich/redis"
	"github.com/wangyingjie930/nexus-enrich/validation"
	"github.com/wangyingjie930/nexus-enrich/zookeeper"
)

// Deps 是组装完成的全部业务依赖
type Deps struct {
	Config bootstrap.Config

	DB        *gorm.DB
	Store     *queue.GormStore
	Directory *directory.Directory
	Service   *enrich.Service
	Processor *enrich.Processor
	Sweeper   *enrich.Sweeper
	Scheduler *enrich.Scheduler
	Admin     *admin.Server
	// Webhook 在未配置 webhook.secret 时为 nil，serve 因此拒绝启动
	Webhook *ingest.WebhookHandler
	// Consumer 在未配置 Kafka 事件 topic 时为 nil
	Consumer *ingest.KafkaConsumer
	// Locker 在未配置 ZooKeeper 时为 nil
	Locker *zookeeper.Locker

	closers []func() error
}

// Close 按创建的逆序释放资源
func (d *Deps) Close() error {
	var result *multierror.Error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	d.closers = nil
	return result.ErrorOrNil()
}

func (d *Deps) onClose(fn func() error) {
	d.closers = append(d.closers, fn)
}

func openDB(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "", "mysql":
		dialector = mysql.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	if dsn == "" {
		return nil, fmt.Errorf("database dsn is not configured")
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	return db, nil
}

// newResolver 静态配置的服务地址优先，其余服务通过 Nacos 发现
func newResolver(static map[string]string, naming *nacos.Client) httpclient.Resolver {
	if naming == nil {
		return httpclient.StaticResolver(static)
	}
	return fallbackResolver{static: httpclient.StaticResolver(static), naming: naming}
}

type fallbackResolver struct {
	static httpclient.StaticResolver
	naming httpclient.Resolver
}

func (r fallbackResolver) Resolve(ctx context.Context, serviceName string) (string, error) {
	if base, ok := r.static[serviceName]; ok && base != "" {
		return r.static.Resolve(ctx, serviceName)
	}
	return r.naming.Resolve(ctx, serviceName)
}

func processorConfig(e bootstrap.EnrichmentConfig) enrich.ProcessorConfig {
	cfg := enrich.DefaultProcessorConfig()
	cfg.ItemTimeout = bootstrap.Seconds(e.ItemTimeoutSeconds)
	cfg.SafetyMargin = bootstrap.Seconds(e.SafetyMarginSeconds)
	cfg.WriteTimeout = bootstrap.Seconds(e.WriteTimeoutSeconds)
	cfg.Backoff = queue.Backoff{
		Base: bootstrap.Seconds(e.BackoffBaseSeconds),
		Max:  bootstrap.Seconds(e.BackoffMaxSeconds),
	}
	return cfg
}

func batchOptions(e bootstrap.EnrichmentConfig) enrich.BatchOptions {
	return enrich.BatchOptions{
		Limit:       e.BatchLimit,
		Concurrency: e.Concurrency,
		MaxRuntime:  bootstrap.Seconds(e.MaxRuntimeSeconds),
	}
}

func schedulerConfig(e bootstrap.EnrichmentConfig) enrich.SchedulerConfig {
	return enrich.SchedulerConfig{
		PollInterval:  bootstrap.Seconds(e.PollIntervalSeconds),
		SweepInterval: bootstrap.Seconds(e.SweepIntervalSeconds),
		StaleAfter:    bootstrap.Seconds(e.StaleAfterSeconds),
		Retention:     time.Duration(e.RetentionHours) * time.Hour,
		Batch:         batchOptions(e),
	}
}

// Assemble 是组装根：数据库、Redis、下游客户端、处理器以及入站边界
func Assemble(appCtx bootstrap.AppContext) (deps *Deps, err error) {
	cfg := appCtx.Config
	infra, ecfg := cfg.Infra, cfg.App.Enrichment
	deps = &Deps{Config: cfg}
	defer func() {
		if err != nil {
			_ = deps.Close()
		}
	}()
	ctx := context.Background()

	// 1. 存储
	deps.DB, err = openDB(infra.Database.Driver, infra.Database.DSN)
	if err != nil {
		return deps, err
	}
	deps.onClose(func() error {
		sqlDB, err := deps.DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})
	deps.Store = queue.NewGormStore(deps.DB)

	if infra.Redis.Addrs == "" {
		return deps, fmt.Errorf("redis addrs are not configured")
	}
	rdb, err := redis.NewClient(ctx, infra.Redis.Addrs, infra.Redis.Password)
	if err != nil {
		return deps, err
	}
	deps.onClose(rdb.Close)

	deps.Directory, err = directory.New(deps.DB, rdb, bootstrap.Seconds(ecfg.CredentialCacheSeconds))
	if err != nil {
		return deps, err
	}

	// 2. 下游服务
	hc := httpclient.NewClient(nil, newResolver(infra.Services, appCtx.NamingClient))
	crmClient := crm.NewClient(hc, crm.Config{
		APIBaseURL:   infra.CRM.APIBaseURL,
		FormsBaseURL: infra.CRM.FormsBaseURL,
	})
	validationClient := validation.NewClient(hc)

	// 3. 处理核心
	brokers := bootstrap.SplitAddrs(infra.Kafka.Brokers)
	var opts []enrich.Option
	if len(brokers) > 0 && infra.Kafka.DeadLetterTopic != "" {
		writer := mq.NewKafkaWriter(brokers, infra.Kafka.DeadLetterTopic)
		deps.onClose(writer.Close)
		opts = append(opts, enrich.WithNotifier(mq.NewDeadLetterPublisher(writer)))
	}
	worker := enrich.NewWorker(deps.Directory, validationClient, crmClient, ecfg.DefaultRegion)
	deps.Processor = enrich.NewProcessor(deps.Store, worker, processorConfig(ecfg), opts...)
	deps.Sweeper = enrich.NewSweeper(deps.Store)
	deps.Service = enrich.NewService(deps.Store, deps.Directory, crmClient, ecfg.MaxAttempts)

	if servers := bootstrap.SplitAddrs(infra.Zookeeper.Addrs); len(servers) > 0 {
		conn, err := zookeeper.InitZookeeper(servers, 0)
		if err != nil {
			return deps, err
		}
		deps.onClose(func() error {
			conn.Close()
			return nil
		})
		deps.Locker = zookeeper.NewLocker(conn)
	}
	var locker enrich.Locker
	if deps.Locker != nil {
		locker = deps.Locker
	}
	deps.Scheduler = enrich.NewScheduler(deps.Processor, deps.Sweeper, locker, schedulerConfig(ecfg))

	// 4. 入站边界
	if cfg.App.Webhook.Secret != "" {
		deps.Webhook, err = ingest.NewWebhookHandler(deps.Service, cfg.App.Webhook.Secret, bootstrap.Seconds(cfg.App.Webhook.TimeoutSeconds))
		if err != nil {
			return deps, err
		}
	}
	deps.Admin = admin.NewServer(deps.Processor, deps.Sweeper, deps.Store, admin.Config{
		Batch:      batchOptions(ecfg),
		StaleAfter: bootstrap.Seconds(ecfg.StaleAfterSeconds),
	})

	if len(brokers) > 0 && infra.Kafka.EventsTopic != "" {
		rc := cfg.App.Resilience.Consumers[infra.Kafka.EventsTopic]
		failures := mq.NewFailureHandler(brokers, mq.ResilienceConfig{
			Enabled:          rc.Enabled,
			MaxRetries:       rc.MaxRetries,
			DltTopicTemplate: rc.DltTopicTemplate,
		}, ingest.IsRetryable)
		deps.onClose(failures.Close)

		reader := mq.NewKafkaReader(brokers, infra.Kafka.EventsTopic, infra.Kafka.GroupID)
		var handler ingest.FailureHandler
		if rc.Enabled {
			handler = failures
		}
		deps.Consumer = ingest.NewKafkaConsumer(reader, deps.Service, handler)
	}

	logger.Logger.Info().
		Str("db_driver", infra.Database.Driver).
		Bool("webhook", deps.Webhook != nil).
		Bool("kafka_consumer", deps.Consumer != nil).
		Bool("zookeeper_lock", deps.Locker != nil).
		Msg("✅ dependencies assembled")
	return deps, nil
}
