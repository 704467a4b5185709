package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mieluoxxx/Flow2API/internal/api"
	"github.com/Mieluoxxx/Flow2API/internal/balancer"
	"github.com/Mieluoxxx/Flow2API/internal/captcha"
	"github.com/Mieluoxxx/Flow2API/internal/config"
	"github.com/Mieluoxxx/Flow2API/internal/crypto"
	"github.com/Mieluoxxx/Flow2API/internal/db"
	"github.com/Mieluoxxx/Flow2API/internal/events"
	"github.com/Mieluoxxx/Flow2API/internal/flow"
	"github.com/Mieluoxxx/Flow2API/internal/generation"
	"github.com/Mieluoxxx/Flow2API/internal/logging"
	"github.com/Mieluoxxx/Flow2API/internal/proxy"
	"github.com/Mieluoxxx/Flow2API/internal/stats"
	"github.com/Mieluoxxx/Flow2API/internal/token"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

const (
	// Version 项目版本
	Version = "0.1.0"
	// AppName 应用名称
	AppName = "Flow2API"

	shutdownTimeout = 10 * time.Second
)

var (
	configPath     string
	prettyLogs     bool
	installBrowser bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "flow2api",
		Short:         "Flow2API 凭据池与生成接口服务",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "配置文件路径（yaml/toml/json）")
	root.PersistentFlags().BoolVar(&prettyLogs, "pretty", false, "输出便于阅读的控制台日志")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "启动管理接口和自动解禁任务",
		RunE:  runServe,
	}
	serve.Flags().BoolVar(&installBrowser, "install-browser", false, "启动浏览器前下载 playwright 驱动和 chromium")

	root.AddCommand(
		serve,
		&cobra.Command{
			Use:   "sync <session-token>",
			Short: "登记或同步一个 Session Token",
			Args:  cobra.ExactArgs(1),
			RunE:  runSync,
		},
		&cobra.Command{
			Use:   "unban",
			Short: "执行一次 429 自动解禁",
			RunE:  runUnban,
		},
		&cobra.Command{
			Use:   "keygen",
			Short: "生成 Session Token 加密密钥",
			RunE: func(cmd *cobra.Command, _ []string) error {
				key, err := crypto.GenerateKey()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), key)
				return nil
			},
		},
	)
	return root
}

// app 进程内共享的组件
type app struct {
	cfg      *config.Config
	db       *gorm.DB
	metrics  *stats.Metrics
	repo     *token.Repository
	events   *events.Service
	captcha  *captcha.Service
	client   *flow.Client
	manager  *token.Manager
	selector *balancer.Selector
}

// bootstrap 加载配置并初始化各组件
func bootstrap() (*app, error) {
	// 1. 配置与日志
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logging.Setup(cfg.Server.LogLevel, cfg.Server.Debug, prettyLogs)
	log.Info().Str("app", AppName).Str("version", Version).Msg("启动")

	// 2. 数据库
	database, err := db.InitDatabase(&cfg.Database)
	if err != nil {
		return nil, err
	}
	if cfg.Database.AutoMigrate {
		if err := db.AutoMigrate(database); err != nil {
			_ = db.CloseDatabase(database)
			return nil, err
		}
	}
	if err := db.SeedFromConfig(database, cfg); err != nil {
		_ = db.CloseDatabase(database)
		return nil, err
	}

	// 3. 加密
	key, err := crypto.ParseKey(cfg.Database.EncryptionKey)
	if err != nil {
		_ = db.CloseDatabase(database)
		return nil, fmt.Errorf("加密密钥无效: %w", err)
	}
	sealer, err := crypto.NewSealer(key)
	if err != nil {
		_ = db.CloseDatabase(database)
		return nil, err
	}
	if !sealer.Enabled() {
		log.Warn().Msg("未配置加密密钥，Session Token 将以明文存储")
	}

	// 4. 业务组件
	metrics := stats.NewMetrics()
	repo := token.NewRepository(database, sealer)
	eventService := events.NewService(database)

	solver := captcha.NewSolver(cfg.Flow.Timeout, cfg.Flow.Impersonate)
	captchaService := captcha.NewService(repo, solver, captcha.PlaywrightLauncher{Install: installBrowser}, metrics)

	client := flow.NewClient(flow.Options{
		LabsBaseURL: cfg.Flow.LabsBaseURL,
		APIBaseURL:  cfg.Flow.APIBaseURL,
		Timeout:     cfg.Flow.Timeout,
		Impersonate: cfg.Flow.Impersonate,
		Debug:       cfg.Server.Debug,
	}, proxy.NewStatic(cfg.Proxy.Enabled, cfg.Proxy.URL), captchaService, metrics)

	manager := token.NewManager(repo, client, eventService, metrics)

	return &app{
		cfg:      cfg,
		db:       database,
		metrics:  metrics,
		repo:     repo,
		events:   eventService,
		captcha:  captchaService,
		client:   client,
		manager:  manager,
		selector: balancer.NewSelector(manager, balancer.NewLimiter(), metrics),
	}, nil
}

// Close 释放资源
func (a *app) Close() {
	if err := a.captcha.Close(); err != nil {
		log.Warn().Err(err).Msg("关闭浏览器失败")
	}
	a.client.Close()
	if err := db.CloseDatabase(a.db); err != nil {
		log.Warn().Err(err).Msg("关闭数据库失败")
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := bootstrap()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. 清理过期事件
	if days := a.cfg.Pool.EventRetentionDays; days > 0 {
		if n, err := a.events.CleanupOldEvents(ctx, days); err != nil {
			log.Warn().Err(err).Msg("清理系统事件失败")
		} else if n > 0 {
			log.Info().Int64("deleted", n).Int("days", days).Msg("已清理过期系统事件")
		}
	}

	// 2. 自动解禁
	scheduler := token.NewScheduler(a.manager, a.cfg.Pool.UnbanInterval)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	// 3. HTTP
	if !a.cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	if a.cfg.Server.AdminAPIKey == "" {
		log.Warn().Msg("未配置 admin_api_key，管理接口不做鉴权")
	}
	router := api.SetupRouter(api.Dependencies{
		AdminAPIKey: a.cfg.Server.AdminAPIKey,
		Manager:     a.manager,
		Repository:  a.repo,
		Selector:    a.selector,
		Generation:  generation.NewService(a.manager, a.selector, a.client, a.metrics),
		Events:      a.events,
		Metrics:     a.metrics,
		Browser:     a.captcha,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP 服务已启动")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("收到退出信号，正在关闭")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func runSync(cmd *cobra.Command, args []string) error {
	a, err := bootstrap()
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.manager.SyncFromSessionToken(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: id=%d email=%s\n", result.Action, result.ID, result.Email)
	return nil
}

func runUnban(cmd *cobra.Command, _ []string) error {
	a, err := bootstrap()
	if err != nil {
		return err
	}
	defer a.Close()

	ids, err := a.manager.AutoUnbanRateLimited(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "unbanned %d token(s): %v\n", len(ids), ids)
	return nil
}
