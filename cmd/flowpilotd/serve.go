package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"FlowPilot/internal/config"
	"FlowPilot/internal/inbox"
	"FlowPilot/internal/observability/metrics"
	"FlowPilot/internal/storage/redis"
)

// 默认的 RabbitMQ 回复队列名。
const defaultReplyQueue = "flowpilot.replies"

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Consume chat messages from the inbox and run the session sweeper",
		Long: "serve consumes JSON envelopes from the configured inbox (redis, rabbitmq, or " +
			"newline-delimited JSON on stdin for the memory driver) and publishes replies " +
			"to the reply queue until interrupted.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer) error {
	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if resumed, err := a.orchestrator.Recover(ctx); err != nil {
		a.logger.Error("恢复中断的执行失败", slog.Any("error", err))
	} else if resumed > 0 {
		a.logger.Info("已恢复中断的执行", slog.Int("sessions", resumed))
	}

	consumer, replies, err := a.openInbox(ctx, in, out)
	if err != nil {
		return err
	}
	defer replies.Close()
	defer consumer.Close()

	go a.orchestrator.RunSweeper(ctx, cfg.Session.SweepInterval)
	if cfg.Runtime.MetricsAddr != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Runtime.MetricsAddr); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("指标服务退出", slog.Any("error", err))
			}
		}()
	}

	processor := inbox.NewProcessor(a.orchestrator, consumer, replies,
		inbox.WithWorkerCount(cfg.Inbox.Workers),
		inbox.WithMessageTimeout(cfg.Inbox.MessageTimeout),
		inbox.WithAlertDispatcher(a.alerts))

	a.logger.Info("FlowPilot 已启动",
		slog.String("inbox", cfg.Inbox.Driver),
		slog.Int("workers", cfg.Inbox.Workers),
		slog.Int("templates", a.library.Len()))

	runErr := processor.Start(ctx)
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Runtime.ShutdownTimeout)
	defer cancel()
	if err := a.orchestrator.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("等待执行落定超时", slog.Any("error", err))
	}
	a.logger.Info("FlowPilot 已停止")
	return runErr
}

// openInbox 按配置创建入站队列与回复队列。
func (a *app) openInbox(ctx context.Context, in io.Reader, out io.Writer) (inbox.Consumer, inbox.Producer, error) {
	cfg := a.cfg.Inbox
	switch cfg.Driver {
	case "redis":
		prefix := a.cfg.Redis.Prefix()
		requests, err := inbox.NewRedisQueue(a.redis, prefix, cfg.Queue, cfg.BlockWait)
		if err != nil {
			return nil, nil, err
		}
		replyName := cfg.ReplyQueue
		if replyName == "" {
			replyName = redis.Key(prefix, "outbox")
		}
		replies, err := inbox.NewRedisQueue(a.redis, prefix, replyName, cfg.BlockWait)
		if err != nil {
			return nil, nil, err
		}
		return requests, replies, nil
	case "rabbitmq":
		reqCfg := cfg.RabbitMQ
		if cfg.Queue != "" {
			reqCfg.Queue = cfg.Queue
		}
		requests, err := inbox.NewRabbitMQQueue(reqCfg)
		if err != nil {
			return nil, nil, err
		}
		replyCfg := cfg.RabbitMQ
		replyCfg.Queue = cfg.ReplyQueue
		if replyCfg.Queue == "" {
			replyCfg.Queue = defaultReplyQueue
		}
		replies, err := inbox.NewRabbitMQQueue(replyCfg)
		if err != nil {
			requests.Close()
			return nil, nil, err
		}
		return requests, replies, nil
	default:
		a.logger.Warn("使用内存消息入口，从标准输入读取 JSON 消息")
		requests := inbox.NewMemoryQueue(1024)
		replies := inbox.NewMemoryQueue(1024)
		go feedLines(ctx, in, requests, a.logger)
		go drainReplies(ctx, replies, out)
		return requests, replies, nil
	}
}

// feedLines 把每行输入作为一条消息投递到内存队列。
func feedLines(ctx context.Context, in io.Reader, q *inbox.MemoryQueue, log *slog.Logger) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := q.Publish(ctx, line); err != nil {
			log.Warn("投递消息失败", slog.Any("error", err))
			return
		}
	}
	if err := scanner.Err(); err != nil {
		log.Warn("读取标准输入失败", slog.Any("error", err))
	}
}

func drainReplies(ctx context.Context, q *inbox.MemoryQueue, out io.Writer) {
	for {
		payload, err := q.Receive(ctx)
		if err != nil {
			return
		}
		fmt.Fprintln(out, string(payload))
	}
}
