package orchestrator

import (
	"context"
	"log/slog"
	"time"
)

// Sweep 放弃闲置过久的未确认会话，并归档落定已久的会话。
// 执行中的会话不受影响。
func (o *Orchestrator) Sweep(ctx context.Context) (abandoned, archived int, err error) {
	sessions, err := o.store.List(ctx)
	if err != nil {
		return 0, 0, err
	}
	now := o.now()
	for _, s := range sessions {
		if err := ctx.Err(); err != nil {
			return abandoned, archived, err
		}
		switch {
		case !s.State.Frozen() && !s.State.Terminal() && now.Sub(s.UpdatedAt) >= o.cfg.IdleTTL:
			ok, err := o.abandonIdle(ctx, s.ID, now)
			if err != nil {
				o.logger.Warn("放弃闲置会话失败", slog.String("session_id", s.ID), slog.Any("error", err))
				continue
			}
			if ok {
				abandoned++
			}
		case s.State.Terminal() && !s.SettledAt.IsZero() && now.Sub(s.SettledAt) >= o.cfg.ArchiveTTL:
			unlock := o.locks.Lock(s.ID)
			err := o.store.Archive(ctx, s.ID)
			unlock()
			if err != nil {
				o.logger.Warn("归档会话失败", slog.String("session_id", s.ID), slog.Any("error", err))
				continue
			}
			archived++
		}
	}
	if abandoned > 0 || archived > 0 {
		o.logger.Info("会话清理完成", slog.Int("abandoned", abandoned), slog.Int("archived", archived))
	}
	return abandoned, archived, nil
}

func (o *Orchestrator) abandonIdle(ctx context.Context, id string, now time.Time) (bool, error) {
	unlock := o.locks.Lock(id)
	defer unlock()
	sess, err := o.store.Load(ctx, id)
	if err != nil {
		return false, err
	}
	// 加锁后重新检查，期间可能有新消息
	if sess.State.Frozen() || sess.State.Terminal() || now.Sub(sess.UpdatedAt) < o.cfg.IdleTTL {
		return false, nil
	}
	from := sess.State
	if err := sess.Abandon(now); err != nil {
		return false, err
	}
	sess.Touch(now)
	if err := o.store.Save(ctx, sess); err != nil {
		return false, err
	}
	o.audit.Info("session transition",
		slog.String("session_id", sess.ID),
		slog.String("from", string(from)),
		slog.String("to", string(sess.State)),
		slog.String("reason", "idle"))
	return true, nil
}

// RunSweeper 按间隔执行 Sweep，直到 ctx 取消。interval 非正时使用配置值。
func (o *Orchestrator) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = o.cfg.SweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := o.Sweep(ctx); err != nil && ctx.Err() == nil {
				o.logger.Error("会话清理失败", slog.Any("error", err))
			}
		}
	}
}
