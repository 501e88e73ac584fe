package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/wangyingjie930/nexus-enrich/logger"
	"github.com/wangyingjie930/nexus-enrich/nacos"
	"github.com/wangyingjie930/nexus-enrich/tracing"
	"github.com/wangyingjie930/nexus-enrich/utils"
)

// AppContext 包含了在组装阶段可以使用的核心依赖。
// 它由引导程序创建并传递给业务组装逻辑。
type AppContext struct {
	Config Config
	// NamingClient 在本地配置模式下为 nil
	NamingClient   *nacos.Client
	TracerProvider *sdktrace.TracerProvider
}

// AppInfoV2 描述了如何构建和运行一个服务。
// 它是一个泛型结构，允许每个服务定义自己独特的依赖集合。
type AppInfoV2[T any] struct {
	ServiceName string
	// Assemble 负责使用 AppContext 创建并组装所有业务依赖。
	// 这是整个应用的“组装根”（Composition Root）。
	Assemble func(appCtx AppContext) (T, error)
	// Register 负责将组装好的业务依赖注册到应用生命周期中，
	// 例如启动HTTP服务器、启动Kafka消费者等。
	Register func(app *Application, deps T) error
}

// Application 是管理整个服务生命周期的核心结构体。
type Application struct {
	serviceName string
	nacosNaming *nacos.Client
	tracer      *sdktrace.TracerProvider
	advertiseIP string
	routeTarget string

	g              *errgroup.Group
	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
}

// NewApplication 是应用的构造函数，负责完成所有组件的初始化、组装和注册。
func NewApplication[T any](info AppInfoV2[T]) (*Application, error) {
	// 1. 加载配置
	Init()
	cfg := GetCurrentConfig()

	// 1.1 初始化日志
	logger.Init(info.ServiceName, cfg.App.LogLevel)

	// 2. 初始化 Tracer Provider
	tp, err := tracing.InitTracerProvider(info.ServiceName, cfg.Infra.Jaeger.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracer: %w", err)
	}

	// 3. 配置来自 Nacos 时，同时使用 Nacos 做服务注册与发现
	namingClient, err := NewNamingClient()
	if err != nil {
		return nil, err
	}

	app := newApplication(info.ServiceName, namingClient, tp)
	app.advertiseIP, app.routeTarget = cfg.App.HTTP.AdvertiseIP, cfg.App.HTTP.RouteTarget

	// 4. 调用业务方的 Assemble 函数，组装所有业务依赖
	deps, err := info.Assemble(AppContext{
		Config:         cfg,
		NamingClient:   app.nacosNaming,
		TracerProvider: app.tracer,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to assemble dependencies: %w", err)
	}

	// 5. 调用业务方的 Register 函数，注册所有需要运行的服务
	if err := info.Register(app, deps); err != nil {
		return nil, fmt.Errorf("failed to register services: %w", err)
	}

	// 6. 最后，注册核心组件自身的优雅关停逻辑
	app.addCoreShutdownTasks()

	return app, nil
}

// NewNamingClient 在配置来自 Nacos 时创建命名客户端，本地配置模式下返回 nil
func NewNamingClient() (*nacos.Client, error) {
	if !NacosEnabled() {
		return nil, nil
	}
	serverConfigs, err := createNacosServerConfigs(nacosServerAddrs)
	if err != nil {
		return nil, fmt.Errorf("invalid nacos server address: %w", err)
	}
	clientConfig := createNacosClientConfig(nacosNamespace)
	namingClient, err := nacos.NewNacosClientWithConfigs(serverConfigs, &clientConfig, nacosGroup)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize nacos client: %w", err)
	}
	return namingClient, nil
}

func newApplication(serviceName string, naming *nacos.Client, tp *sdktrace.TracerProvider) *Application {
	app := &Application{
		serviceName: serviceName,
		nacosNaming: naming,
		tracer:      tp,
	}
	app.shutdownCtx, app.shutdownCancel = context.WithCancel(context.Background())
	app.g, _ = errgroup.WithContext(app.shutdownCtx)
	return app
}

// AddServer 注册一个需要优雅关停的 HTTP 服务器，启用 Nacos 时同时注册服务实例。
func (app *Application) AddServer(handler http.Handler, port int) error {
	serviceName := app.serviceName
	server := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var ip string
	if app.nacosNaming != nil {
		var err error
		ip, err = utils.AdvertiseIP(app.shutdownCtx, app.advertiseIP, app.routeTarget)
		if err != nil {
			return fmt.Errorf("failed to get outbound IP for service %s: %w", serviceName, err)
		}
		// 启动 HTTP 服务器前，先向 Nacos 注册
		if err := app.nacosNaming.RegisterServiceInstance(serviceName, ip, port); err != nil {
			return fmt.Errorf("failed to register '%s' with nacos: %w", serviceName, err)
		}
	}

	// 将 HTTP 服务器的启动和关闭纳入 errgroup 的管理
	app.g.Go(func() error {
		logger.Logger.Info().Str("service", serviceName).Int("port", port).Msg("✅ HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			// 端口占用等启动错误也要让其他任务退出
			app.shutdownCancel()
			return fmt.Errorf("http server error for '%s': %w", serviceName, err)
		}
		return nil
	})

	app.g.Go(func() error {
		<-app.shutdownCtx.Done() // 等待关停信号
		logger.Logger.Info().Str("service", serviceName).Msg("shutting down HTTP server")

		shutdownTimeoutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// 先从 Nacos 注销，即使注销失败也继续关闭服务器
		if app.nacosNaming != nil {
			if err := app.nacosNaming.DeregisterServiceInstance(serviceName, ip, port); err != nil {
				logger.Logger.Error().Err(err).Str("service", serviceName).Msg("❌ error deregistering from Nacos")
			}
		}

		return server.Shutdown(shutdownTimeoutCtx)
	})

	return nil
}

// AddTask 注册一个通用的后台任务，并管理其生命周期。
// start: 启动任务的函数。它接收一个上下文，当该上下文被取消时，任务应停止。
// stop:  （可选）关闭任务的函数，用于释放资源。
func (app *Application) AddTask(start func(ctx context.Context) error, stop func(ctx context.Context) error) {
	if start != nil {
		app.g.Go(func() error {
			err := start(app.shutdownCtx)
			if err != nil {
				app.shutdownCancel()
			}
			return err
		})
	}

	if stop != nil {
		app.g.Go(func() error {
			<-app.shutdownCtx.Done() // 等待关停信号
			// 为关停操作也设置一个超时
			timeoutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return stop(timeoutCtx)
		})
	}
}

// Shutdown 触发所有任务的关停，Run 会在任务全部结束后返回
func (app *Application) Shutdown() {
	app.shutdownCancel()
}

// addCoreShutdownTasks 注册核心基础设施组件的关停任务。
func (app *Application) addCoreShutdownTasks() {
	app.AddTask(nil, func(ctx context.Context) error {
		if nacosConfigClient != nil {
			nacosConfigClient.CloseClient()
		}
		if app.nacosNaming != nil {
			app.nacosNaming.Close()
		}
		return nil
	})
	app.AddTask(nil, func(ctx context.Context) error {
		if app.tracer == nil {
			return nil
		}
		if err := app.tracer.Shutdown(ctx); err != nil {
			return err
		}
		logger.Logger.Info().Msg("✅ Tracer provider shut down.")
		return nil
	})
}

// Run 启动整个应用，并阻塞等待关停信号。
func (app *Application) Run() error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	app.g.Go(func() error {
		select {
		case <-app.shutdownCtx.Done():
			return nil // 由其他任务触发的关停
		case sig := <-quit:
			logger.Logger.Info().Str("signal", sig.String()).Msg("received signal, initiating graceful shutdown")
			app.shutdownCancel()
		}
		return nil
	})

	logger.Logger.Info().Str("service", app.serviceName).Msg("🚀 Application started")

	// 等待所有由 errgroup 管理的 goroutine 完成
	if err := app.g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Logger.Error().Err(err).Msg("❌ Application run failed")
		return err
	}

	logger.Logger.Info().Str("service", app.serviceName).Msg("✅ Application gracefully shut down.")
	return nil
}
