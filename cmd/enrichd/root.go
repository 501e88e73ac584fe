package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/wangyingjie930/nexus-enrich/bootstrap"
	"github.com/wangyingjie930/nexus-enrich/constants"
	"github.com/wangyingjie930/nexus-enrich/logger"
	"github.com/wangyingjie930/nexus-enrich/tracing"
)

var configPath string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "enrichd",
	Short: "Validate CRM contact fields and write the results back",
	Long: `enrichd consumes CRM contact events, queues them durably and runs batches that
validate email, name, phone and address fields before submitting the enriched values.`,
	SilenceUsage: true,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		if configPath != "" {
			_ = os.Setenv("ENRICH_CONFIG_PATH", configPath)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "local yaml config (overrides ENRICH_CONFIG_PATH; nacos is used when neither is set)")
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// withDeps 为一次性命令加载配置并组装依赖，fn 返回后释放所有资源
func withDeps(fn func(ctx context.Context, deps *Deps) error) error {
	bootstrap.Init()
	cfg := bootstrap.GetCurrentConfig()
	logger.Init(constants.EnrichService, cfg.App.LogLevel)

	tp, err := tracing.InitTracerProvider(constants.EnrichService, cfg.Infra.Jaeger.Endpoint)
	if err != nil {
		return fmt.Errorf("failed to init tracer: %w", err)
	}
	naming, err := bootstrap.NewNamingClient()
	if err != nil {
		return err
	}

	deps, err := Assemble(bootstrap.AppContext{Config: cfg, NamingClient: naming, TracerProvider: tp})
	if err != nil {
		return err
	}

	ctx := context.Background()
	defer func() {
		if err := deps.Close(); err != nil {
			logger.Logger.Warn().Err(err).Msg("failed to release resources")
		}
		if naming != nil {
			naming.Close()
		}
		_ = tp.Shutdown(ctx)
	}()
	return fn(ctx, deps)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
