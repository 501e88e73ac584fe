package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wangyingjie930/nexus-enrich/bootstrap"
	"github.com/wangyingjie930/nexus-enrich/constants"
	"github.com/wangyingjie930/nexus-enrich/logger"
)

const defaultPort = 8080

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook, admin API, kafka consumer and batch scheduler",
		RunE: func(_ *cobra.Command, _ []string) error {
			var assembled *Deps
			app, err := bootstrap.NewApplication(bootstrap.AppInfoV2[*Deps]{
				ServiceName: constants.EnrichService,
				Assemble:    Assemble,
				Register: func(app *bootstrap.Application, deps *Deps) error {
					assembled = deps
					return register(app, deps)
				},
			})
			if err != nil {
				if assembled != nil {
					_ = assembled.Close()
				}
				return err
			}

			runErr := app.Run()
			// 所有任务退出后再关闭数据库等资源，避免正在收尾的写入失败
			assembled.Webhook.Wait()
			if err := assembled.Close(); err != nil {
				logger.Logger.Warn().Err(err).Msg("failed to release resources")
			}
			return runErr
		},
	}
	rootCmd.AddCommand(cmd)
}

func register(app *bootstrap.Application, deps *Deps) error {
	cfg := deps.Config.App
	if deps.Webhook == nil {
		return fmt.Errorf("webhook.secret is not configured, refusing to serve an unauthenticated webhook")
	}
	deps.Admin.Handle("POST "+constants.WebhookPath, deps.Webhook)

	port := cfg.HTTP.Port
	if port <= 0 {
		port = defaultPort
	}
	if err := app.AddServer(deps.Admin, port); err != nil {
		return err
	}

	if cfg.Enrichment.SchedulerOn() {
		app.AddTask(deps.Scheduler.Start, nil)
	} else {
		logger.Logger.Info().Msg("batch scheduler disabled, batches run only on demand")
	}

	if deps.Consumer != nil {
		app.AddTask(deps.Consumer.Start, nil)
	}
	return nil
}
