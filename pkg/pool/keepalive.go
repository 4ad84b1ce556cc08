package pool

import (
	"context"
	"time"

	"example.com/NullTerm/utils"
)

// keepAliveLoop 后台保活循环
// 每个间隔对所有记录做一轮巡检，ctx 取消时立即退出
func (p *Pool) keepAliveLoop(ctx context.Context) {
	defer close(p.loopDone)
	for {
		// 间隔可以在运行中被调整，每轮重新取值
		t := time.NewTimer(p.KeepAliveInterval())
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		p.sweep(ctx)
	}
}

// sweep 巡检一轮所有连接
// 与 GetConnection 抢同一把键锁，先到先得，后来者看到前者留下的状态
// 探测按连接逐个串行执行，间隔相对探测超时足够宽裕
func (p *Pool) sweep(ctx context.Context) {
	for _, key := range p.Keys() {
		lock := p.lockFor(key)
		if err := lock.Acquire(ctx, 1); err != nil {
			return
		}
		p.sweepOne(ctx, p.record(key))
		lock.Release(1)
	}
}

// sweepOne 巡检单条记录，调用方必须持有该键的锁
// 未连接: ERROR 状态且重试次数未超限时退避重连；
// 已连接但空闲超限: 直接回收，不再发探测；
// 其余: 发保活探测，失败按意外断开处理并立即安排重连
func (p *Pool) sweepOne(ctx context.Context, rec *Record) {
	if rec == nil {
		return
	}

	if !rec.IsConnected() {
		if p.AutoReconnect() && rec.State() == StateError && rec.RetryCount() < p.MaxRetries() {
			p.tryReconnect(ctx, rec)
		}
		return
	}

	if time.Since(rec.lastActivityAt()) > p.MaxIdleTime() {
		utils.Logger.Info("closing idle connection", "key", rec.Key)
		p.closeHandle(ctx, rec)
		p.notify(rec.Key, StateDisconnected)
		return
	}

	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	err := rec.Handle().Ping(pctx)
	cancel()
	if err == nil {
		rec.markPing()
		return
	}

	// 探测失败说明连接已经悄悄断了
	utils.Logger.Warn("keep-alive probe failed", "key", rec.Key, "err", err)
	p.closeHandle(ctx, rec)
	p.notify(rec.Key, StateDisconnected)
	if p.AutoReconnect() && rec.RetryCount() < p.MaxRetries() {
		p.tryReconnect(ctx, rec)
	}
}
