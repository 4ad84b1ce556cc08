package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	sshx "example.com/NullTerm/pkg/ssh"
	"example.com/NullTerm/utils"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	// DefaultKeepAliveInterval 保活循环默认间隔
	DefaultKeepAliveInterval = 30 * time.Second
	// DefaultMaxIdleTime 空闲连接默认回收阈值
	DefaultMaxIdleTime = 5 * time.Minute
	// DefaultMaxRetries 自动重连的默认次数上限
	DefaultMaxRetries = 3

	// minKeepAliveInterval / minMaxIdleTime 配置下限，防止病态的忙循环
	minKeepAliveInterval = 5 * time.Second
	minMaxIdleTime       = 60 * time.Second

	// probeTimeout 单次保活探测的超时
	probeTimeout = 10 * time.Second
	// closeWait 优雅关闭时等待连接断开的窗口
	closeWait = 3 * time.Second
	// maxBackoff 单次退避等待的上限
	maxBackoff = 16 * time.Second
)

// ConnectRequest 一次连接请求的全部参数
// Tunnel* 字段非空时经跳板机建立连接
type ConnectRequest struct {
	Host       string
	Port       int
	Username   string
	Password   string
	KeyPath    string
	Passphrase string

	TunnelHost     string
	TunnelPort     int
	TunnelUsername string
}

// Callback 连接状态变更的观察者
// 回调在独立协程中派发，耗时操作不会阻塞连接路径
type Callback func(key string, state State)

// Option 配置函数
type Option func(*Pool)

func WithKeepAliveInterval(d time.Duration) Option {
	return func(p *Pool) { p.keepAliveInterval = clampDuration(d, minKeepAliveInterval) }
}

func WithMaxIdleTime(d time.Duration) Option {
	return func(p *Pool) { p.maxIdleTime = clampDuration(d, minMaxIdleTime) }
}

func WithMaxRetries(n int) Option {
	return func(p *Pool) { p.maxRetries = n }
}

func WithAutoReconnect(enabled bool) Option {
	return func(p *Pool) { p.autoReconnect = enabled }
}

// Pool SSH 连接池
// 按键管理连接记录，对同一个键的 connect/reconnect 串行化，
// 后台循环负责保活探测、空闲回收和指数退避重连
type Pool struct {
	transport sshx.Transport

	mu      sync.RWMutex
	records map[string]*Record
	locks   map[string]*semaphore.Weighted

	cbMu      sync.RWMutex
	callbacks map[int]Callback
	cbNextID  int
	cbWG      sync.WaitGroup

	cfgMu             sync.RWMutex
	keepAliveInterval time.Duration
	maxIdleTime       time.Duration
	maxRetries        int
	autoReconnect     bool

	runMu    sync.Mutex
	running  bool
	cancel   context.CancelFunc
	loopDone chan struct{}
}

// New 创建连接池
// 池由应用的组合根显式构造并传引用，不提供进程级单例
func New(transport sshx.Transport, opts ...Option) *Pool {
	p := &Pool{
		transport:         transport,
		records:           make(map[string]*Record),
		locks:             make(map[string]*semaphore.Weighted),
		callbacks:         make(map[int]Callback),
		keepAliveInterval: DefaultKeepAliveInterval,
		maxIdleTime:       DefaultMaxIdleTime,
		maxRetries:        DefaultMaxRetries,
		autoReconnect:     true,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// lockFor 返回键对应的互斥信号量，没有则创建
// 用带权重 1 的 semaphore 而不是 sync.Mutex，等锁可以被 ctx 取消
func (p *Pool) lockFor(key string) *semaphore.Weighted {
	p.mu.Lock()
	defer p.mu.Unlock()
	lock, ok := p.locks[key]
	if !ok {
		lock = semaphore.NewWeighted(1)
		p.locks[key] = lock
	}
	return lock
}

func (p *Pool) record(key string) *Record {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.records[key]
}

// Keys 当前池中所有连接键
func (p *Pool) Keys() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	keys := make([]string, 0, len(p.records))
	for k := range p.records {
		keys = append(keys, k)
	}
	return keys
}

// Get 按键查找记录
func (p *Pool) Get(key string) (*Record, bool) {
	rec := p.record(key)
	return rec, rec != nil
}

// GetConnection 获取或建立到目标的连接
// 已连接的记录直接复用 (刷新活动时间，不发起新连接)；
// 存在但未连接的记录带着历史重试计数重连；否则新建记录并连接。
// 连接失败不返回 error，调用方检查记录的 State/ErrorMessage；
// error 仅在等锁被 ctx 取消时出现
func (p *Pool) GetConnection(ctx context.Context, req ConnectRequest) (*Record, error) {
	if req.Port == 0 {
		req.Port = 22
	}
	key := ConnectionKey(req.Host, req.Port, req.Username)

	lock := p.lockFor(key)
	if err := lock.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer lock.Release(1)

	rec := p.record(key)
	if rec != nil && rec.IsConnected() {
		rec.Touch()
		return rec, nil
	}
	if rec == nil {
		rec = p.newRecord(key, req)
	}
	p.connect(ctx, rec)
	return rec, nil
}

// RestoreSession 强制重建连接
// 与 GetConnection 不同：重试计数清零，即使已连接也先关旧句柄再重连
func (p *Pool) RestoreSession(ctx context.Context, req ConnectRequest) (*Record, error) {
	if req.Port == 0 {
		req.Port = 22
	}
	key := ConnectionKey(req.Host, req.Port, req.Username)

	lock := p.lockFor(key)
	if err := lock.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer lock.Release(1)

	rec := p.record(key)
	if rec == nil {
		rec = p.newRecord(key, req)
	}
	rec.resetRetry()
	if rec.IsConnected() {
		// 同一个键在任何时刻只允许一个活句柄，重连前先关旧的
		p.closeHandle(ctx, rec)
	}
	p.connect(ctx, rec)
	return rec, nil
}

// newRecord 创建记录并登记到池表
// 指定了跳板时同时保证跳板记录存在 (凭据沿用本次请求)
func (p *Pool) newRecord(key string, req ConnectRequest) *Record {
	rec := &Record{
		Key:        key,
		Host:       req.Host,
		Port:       req.Port,
		Username:   req.Username,
		password:   req.Password,
		keyPath:    req.KeyPath,
		passphrase: req.Passphrase,
	}
	if req.TunnelHost != "" {
		tport := req.TunnelPort
		if tport == 0 {
			tport = 22
		}
		tuser := req.TunnelUsername
		if tuser == "" {
			tuser = req.Username
		}
		tkey := ConnectionKey(req.TunnelHost, tport, tuser)
		rec.tunnelKey = tkey

		p.mu.Lock()
		if _, ok := p.records[tkey]; !ok {
			p.records[tkey] = &Record{
				Key:        tkey,
				Host:       req.TunnelHost,
				Port:       tport,
				Username:   tuser,
				password:   req.Password,
				keyPath:    req.KeyPath,
				passphrase: req.Passphrase,
			}
		}
		p.mu.Unlock()
	}

	p.mu.Lock()
	p.records[key] = rec
	p.mu.Unlock()
	return rec
}

// connect 执行一次连接，调用方必须持有该键的锁
// 跳板链深度优先递归解析；每次状态迁移都会通知观察者，失败也不例外
func (p *Pool) connect(ctx context.Context, rec *Record) error {
	rec.markConnecting()
	p.notify(rec.Key, StateConnecting)

	var via sshx.Handle
	if rec.tunnelKey != "" {
		trec := p.record(rec.tunnelKey)
		if trec == nil {
			msg := fmt.Sprintf("tunnel record %s not found", rec.tunnelKey)
			rec.markError(msg)
			p.notify(rec.Key, StateError)
			return fmt.Errorf("%s", msg)
		}
		if !trec.IsConnected() {
			if err := p.connectTunnel(ctx, trec); err != nil {
				// 跳板失败时把跳板的错误透传给依赖它的连接
				msg := fmt.Sprintf("tunnel %s failed: %s", rec.tunnelKey, trec.ErrorMessage())
				rec.markError(msg)
				p.notify(rec.Key, StateError)
				return fmt.Errorf("%s", msg)
			}
		}
		via = trec.Handle()
	}

	handle, err := p.transport.Connect(ctx, sshx.Target{
		Host:       rec.Host,
		Port:       rec.Port,
		User:       rec.Username,
		Password:   rec.password,
		KeyPath:    rec.keyPath,
		Passphrase: rec.passphrase,
	}, via)
	if err != nil {
		rec.markError(err.Error())
		p.notify(rec.Key, StateError)
		utils.Logger.Warn("connection failed", "key", rec.Key, "err", err)
		return err
	}

	rec.markConnected(handle)
	p.notify(rec.Key, StateConnected)
	utils.Logger.Info("connection established", "key", rec.Key)
	return nil
}

// connectTunnel 在持有目标键锁的前提下连接跳板 (另一个键)
// 跳板链必须无环，有环的配置会在这里死锁
func (p *Pool) connectTunnel(ctx context.Context, trec *Record) error {
	lock := p.lockFor(trec.Key)
	if err := lock.Acquire(ctx, 1); err != nil {
		return err
	}
	defer lock.Release(1)

	// 等锁期间别的协程可能已经把跳板连上了
	if trec.IsConnected() {
		return nil
	}
	return p.connect(ctx, trec)
}

// tryReconnect 指数退避重连，调用方必须持有该键的锁
// 先递增计数再计算等待: min(2^(n-1), 16) 秒；等待可被 ctx 取消
func (p *Pool) tryReconnect(ctx context.Context, rec *Record) {
	rec.incRetry()
	rec.setState(StateReconnecting)
	p.notify(rec.Key, StateReconnecting)

	delay := backoffDelay(rec.RetryCount())
	utils.Logger.Info("reconnecting after backoff",
		"key", rec.Key, "retry", rec.RetryCount(), "delay", delay)

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		// 停机不等退避
		return
	}
	p.connect(ctx, rec)
}

// backoffDelay 第 retry 次重试前的等待时长
func backoffDelay(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	if retry > 5 {
		return maxBackoff
	}
	return time.Duration(1<<(retry-1)) * time.Second
}

// closeHandle 优雅释放句柄：关闭错误一律吞掉，等待窗口有上限
func (p *Pool) closeHandle(ctx context.Context, rec *Record) {
	h := rec.releaseHandle()
	if h == nil {
		return
	}
	if err := h.Close(); err != nil {
		utils.Logger.Debug("error closing connection", "key", rec.Key, "err", err)
	}
	wctx, cancel := context.WithTimeout(ctx, closeWait)
	defer cancel()
	_ = h.WaitClosed(wctx)
}

// CloseConnection 优雅关闭连接，记录保留在池中
func (p *Pool) CloseConnection(ctx context.Context, key string) bool {
	lock := p.lockFor(key)
	if err := lock.Acquire(ctx, 1); err != nil {
		return false
	}
	defer lock.Release(1)

	rec := p.record(key)
	if rec == nil {
		return false
	}
	p.closeHandle(ctx, rec)
	p.notify(key, StateDisconnected)
	return true
}

// RemoveConnection 关闭并删除记录和它的锁
// 想用同一个键换一套凭据重连且不继承重试历史时必须先走这里
func (p *Pool) RemoveConnection(ctx context.Context, key string) bool {
	if !p.CloseConnection(ctx, key) {
		return false
	}
	p.mu.Lock()
	delete(p.records, key)
	delete(p.locks, key)
	p.mu.Unlock()
	return true
}

// AddStateCallback 注册观察者，返回用于注销的 id
func (p *Pool) AddStateCallback(cb Callback) int {
	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	id := p.cbNextID
	p.cbNextID++
	p.callbacks[id] = cb
	return id
}

// RemoveStateCallback 注销观察者
func (p *Pool) RemoveStateCallback(id int) {
	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	delete(p.callbacks, id)
}

// notify 向所有观察者派发状态变更
// 统一走异步协程，回调 panic 被隔离记录，绝不中断池的操作
func (p *Pool) notify(key string, state State) {
	p.cbMu.RLock()
	cbs := make([]Callback, 0, len(p.callbacks))
	for _, cb := range p.callbacks {
		cbs = append(cbs, cb)
	}
	p.cbMu.RUnlock()

	for _, cb := range cbs {
		p.cbWG.Add(1)
		go func(cb Callback) {
			defer p.cbWG.Done()
			defer func() {
				if r := recover(); r != nil {
					utils.Logger.Error("state callback panic", "key", key, "err", r)
				}
			}()
			cb(key, state)
		}(cb)
	}
}

// Start 启动保活循环，重复调用无效果
func (p *Pool) Start() {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.loopDone = make(chan struct{})
	p.running = true
	go p.keepAliveLoop(ctx)
}

// Stop 停止循环、关闭所有连接、等回调排空
// 进行中的退避等待会被立即取消，停机不会卡在长退避上
func (p *Pool) Stop() {
	p.runMu.Lock()
	if !p.running {
		p.runMu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	loopDone := p.loopDone
	p.runMu.Unlock()

	cancel()
	<-loopDone

	ctx, cancelClose := context.WithTimeout(context.Background(), closeWait)
	defer cancelClose()

	var g errgroup.Group
	for _, key := range p.Keys() {
		key := key
		g.Go(func() error {
			// 句柄只在持锁时关闭：等锁超时说明有 connect 在途，
			// 改为阻塞等它落定再关，否则刚装上的句柄会被漏掉
			lock := p.lockFor(key)
			if err := lock.Acquire(ctx, 1); err != nil {
				_ = lock.Acquire(context.Background(), 1)
			}
			defer lock.Release(1)
			if rec := p.record(key); rec != nil {
				p.closeHandle(ctx, rec)
				p.notify(key, StateDisconnected)
			}
			return nil
		})
	}
	_ = g.Wait()

	p.cbWG.Wait()
}

// Running 保活循环是否在运行
func (p *Pool) Running() bool {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	return p.running
}

// SetKeepAliveInterval 调整保活间隔，下限 5s
func (p *Pool) SetKeepAliveInterval(d time.Duration) {
	p.cfgMu.Lock()
	defer p.cfgMu.Unlock()
	p.keepAliveInterval = clampDuration(d, minKeepAliveInterval)
}

// SetMaxIdleTime 调整空闲回收阈值，下限 60s
func (p *Pool) SetMaxIdleTime(d time.Duration) {
	p.cfgMu.Lock()
	defer p.cfgMu.Unlock()
	p.maxIdleTime = clampDuration(d, minMaxIdleTime)
}

// SetAutoReconnect 开关自动重连
func (p *Pool) SetAutoReconnect(enabled bool) {
	p.cfgMu.Lock()
	defer p.cfgMu.Unlock()
	p.autoReconnect = enabled
}

// KeepAliveInterval 当前保活间隔
func (p *Pool) KeepAliveInterval() time.Duration {
	p.cfgMu.RLock()
	defer p.cfgMu.RUnlock()
	return p.keepAliveInterval
}

// MaxIdleTime 当前空闲回收阈值
func (p *Pool) MaxIdleTime() time.Duration {
	p.cfgMu.RLock()
	defer p.cfgMu.RUnlock()
	return p.maxIdleTime
}

// MaxRetries 自动重连次数上限
func (p *Pool) MaxRetries() int {
	p.cfgMu.RLock()
	defer p.cfgMu.RUnlock()
	return p.maxRetries
}

// AutoReconnect 自动重连是否开启
func (p *Pool) AutoReconnect() bool {
	p.cfgMu.RLock()
	defer p.cfgMu.RUnlock()
	return p.autoReconnect
}

func clampDuration(d, min time.Duration) time.Duration {
	if d < min {
		return min
	}
	return d
}
