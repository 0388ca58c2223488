package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"

	goredis "github.com/redis/go-redis/v9"

	"FlowPilot/internal/config"
	"FlowPilot/internal/dispatcher"
	"FlowPilot/internal/driver"
	"FlowPilot/internal/driver/chain"
	"FlowPilot/internal/driver/email"
	"FlowPilot/internal/driver/httpcall"
	"FlowPilot/internal/driver/llm"
	"FlowPilot/internal/driver/mqpublish"
	"FlowPilot/internal/driver/sqlquery"
	"FlowPilot/internal/driver/tasks"
	"FlowPilot/internal/driver/webfetch"
	"FlowPilot/internal/matcher"
	"FlowPilot/internal/observability/alerting"
	"FlowPilot/internal/orchestrator"
	"FlowPilot/internal/session"
	"FlowPilot/internal/storage/redis"
	"FlowPilot/internal/storage/sqldb"
	"FlowPilot/internal/template"
	"FlowPilot/pkg/logger"
)

// app 持有按配置装配好的全部组件以及需要在退出时释放的资源。
type app struct {
	cfg          *config.Config
	library      *template.Library
	registry     *driver.Registry
	matcher      *matcher.Matcher
	engine       *dispatcher.Engine
	store        session.Store
	orchestrator *orchestrator.Orchestrator
	alerts       alerting.Dispatcher
	redis        *goredis.Client
	logger       *slog.Logger

	emailDriver *email.Driver
	responder   orchestrator.Responder
	closers     []func() error
}

func (a *app) onClose(fn func() error) { a.closers = append(a.closers, fn) }

// Close 按创建的逆序释放资源。
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// buildApp 根据配置初始化日志、模板库、驱动、存储与编排器。
func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if err := logger.Init(cfg.Log.Logger()); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	a := &app{cfg: cfg, logger: logger.Named("flowpilotd")}
	a.onClose(logger.Sync)
	ready := false
	defer func() {
		if !ready {
			_ = a.Close()
		}
	}()

	var err error

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	if a.library, err = loadLibrary(cfg.Templates); err != nil {
		return nil, err
	}

	if needsRedis(cfg) {
		client, err := redis.Open(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		a.redis = client
		a.onClose(client.Close)
	}

	if err := a.buildRegistry(ctx); err != nil {
		return nil, err
	}
	for tplID, caps := range a.library.CheckCapabilities(a.registry) {
		a.logger.Warn("模板引用了未注册的能力", slog.String("template_id", tplID), slog.Any("capabilities", caps))
	}

	var ledger dispatcher.Ledger = dispatcher.NewMemoryLedger(dispatcher.WithMarkerTTL(cfg.Dispatcher.LedgerTTL))
	if cfg.Dispatcher.Ledger == "redis" {
		ledger = dispatcher.NewRedisLedger(a.redis, cfg.Redis.Prefix(), cfg.Dispatcher.LedgerTTL)
	}
	a.engine = dispatcher.New(a.registry,
		dispatcher.WithLedger(ledger),
		dispatcher.WithConfig(cfg.Dispatcher.Config),
		dispatcher.WithLogger(logger.Named("dispatcher")))

	if a.store, err = a.openSessionStore(ctx); err != nil {
		return nil, err
	}

	matcherOpts := []matcher.Option{
		matcher.WithPolicy(cfg.Matcher.Policy),
		matcher.WithLogger(logger.Named("matcher")),
	}
	if cfg.Matcher.AdHoc {
		matcherOpts = append(matcherOpts, matcher.WithSynthesizer(matcher.NewSynthesizer(a.registry, cfg.Matcher.AdHocThreshold)))
	}
	a.matcher = matcher.New(a.library, matcherOpts...)

	notifiers := []alerting.Notifier{&alerting.LogNotifier{Logger: logger.Named("alert")}}
	if cfg.Alerting.Email.Enabled && a.emailDriver != nil {
		notifiers = append(notifiers, &alerting.EmailNotifier{
			Sender:        a.emailDriver,
			To:            cfg.Alerting.Email.To,
			SubjectPrefix: cfg.Alerting.Email.SubjectPrefix,
		})
	}
	a.alerts = alerting.NewFanout(notifiers...)

	orchOpts := []orchestrator.Option{
		orchestrator.WithConfig(cfg.Session.Config),
		orchestrator.WithAlertDispatcher(a.alerts),
	}
	if a.responder != nil {
		orchOpts = append(orchOpts, orchestrator.WithResponder(a.responder))
	}
	a.orchestrator, err = orchestrator.New(orchestrator.Dependencies{
		Store:    a.store,
		Matcher:  a.matcher,
		Library:  a.library,
		Registry: a.registry,
		Engine:   a.engine,
	}, orchOpts...)
	if err != nil {
		return nil, err
	}
	ready = true
	return a, nil
}

func loadLibrary(cfg config.TemplatesConfig) (*template.Library, error) {
	var libs []*template.Library
	if cfg.Builtin {
		lib, err := template.Builtin()
		if err != nil {
			return nil, fmt.Errorf("加载内置模板失败: %w", err)
		}
		libs = append(libs, lib)
	}
	for _, path := range cfg.Files {
		lib, err := template.LoadFile(path)
		if err != nil {
			return nil, fmt.Errorf("加载模板文件 %s 失败: %w", path, err)
		}
		libs = append(libs, lib)
	}
	if len(libs) == 0 {
		return nil, errors.New("没有可用的模板：启用 templates.builtin 或配置 templates.files")
	}
	return template.Merge(libs...)
}

func needsRedis(cfg *config.Config) bool {
	return cfg.Session.Store == "redis" || cfg.Dispatcher.Ledger == "redis" || cfg.Inbox.Driver == "redis"
}

// buildRegistry 注册启用的驱动。策略拒绝的能力被跳过并记录日志。
func (a *app) buildRegistry(ctx context.Context) error {
	cfg := a.cfg.Drivers
	builder := driver.NewBuilder(cfg.Policy)
	var drivers []driver.Driver

	if cfg.Email.Enabled {
		a.emailDriver = email.New(email.NewSMTPTransport(cfg.Email.SMTP), cfg.Email.From)
		drivers = append(drivers, a.emailDriver)
	}
	if cfg.HTTP.Enabled {
		drivers = append(drivers, httpcall.New(cfg.HTTP.Config))
	}
	if cfg.WebFetch.Enabled {
		drivers = append(drivers, webfetch.New(cfg.WebFetch.Config))
	}
	if cfg.SQL.Enabled {
		db, err := sqldb.Open(ctx, cfg.SQL.Config)
		if err != nil {
			return err
		}
		a.onClose(db.Close)
		drivers = append(drivers, sqlquery.New(db, cfg.SQL.MaxRows))
	}
	if cfg.Tasks.Enabled {
		db, err := sqldb.Open(ctx, cfg.Tasks.Config)
		if err != nil {
			return err
		}
		a.onClose(db.Close)
		d, err := tasks.New(ctx, db)
		if err != nil {
			return err
		}
		drivers = append(drivers, d)
	}
	if cfg.LLM.Provider != "" {
		gen, err := newGenerator(cfg.LLM)
		if err != nil {
			return err
		}
		drivers = append(drivers, llm.New(gen))
		if cfg.LLM.Chat {
			a.responder = &orchestrator.GeneratorResponder{Generator: gen}
		}
	}
	if cfg.Chain.RPCURL != "" {
		client, err := chain.Dial(ctx, cfg.Chain.RPCURL)
		if err != nil {
			return err
		}
		a.onClose(func() error { client.Close(); return nil })
		drivers = append(drivers, chain.New(client, cfg.Chain.Network))
	}
	if cfg.MQ.URL != "" {
		conn, err := mqpublish.Dial(cfg.MQ.URL)
		if err != nil {
			return err
		}
		a.onClose(conn.Close)
		drivers = append(drivers, mqpublish.New(conn.Channel(), cfg.MQ.Exchange))
	}

	for _, d := range drivers {
		if err := builder.Register(d); err != nil {
			return err
		}
	}
	skipped := builder.Skipped()
	names := make([]string, 0, len(skipped))
	for name := range skipped {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		a.logger.Info("能力被策略跳过", slog.String("capability", name), slog.String("reason", skipped[name]))
	}
	a.registry = builder.Build()
	a.logger.Info("驱动注册完成", slog.Any("capabilities", a.registry.Names()))
	return nil
}

func newGenerator(cfg config.LLMConfig) (llm.Generator, error) {
	switch cfg.Provider {
	case "openai":
		client, err := llm.NewOpenAIClient(cfg.OpenAI)
		if err != nil {
			return nil, err
		}
		return client, nil
	case "anthropic":
		client, err := llm.NewAnthropicClient(cfg.Anthropic)
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("不支持的 LLM provider: %s", cfg.Provider)
	}
}

func (a *app) openSessionStore(ctx context.Context) (session.Store, error) {
	switch a.cfg.Session.Store {
	case "sql":
		db, err := sqldb.Open(ctx, a.cfg.Session.SQL)
		if err != nil {
			return nil, err
		}
		a.onClose(db.Close)
		return session.NewSQLStore(ctx, db)
	case "redis":
		return session.NewRedisStore(a.redis, a.cfg.Redis.Prefix()), nil
	default:
		return session.NewMemoryStore(), nil
	}
}
