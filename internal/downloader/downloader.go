package downloader

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-fetch/internal/logging"
)

// DefaultMaxConcurrentDownloads 是未配置时同时执行的下载数上限。
const DefaultMaxConcurrentDownloads = 6

// Config 描述 Downloader 的依赖与初始调度参数。
type Config struct {
	MaxConcurrentDownloads int
	ExecutionOrder         Order
	Client                 Doer
	Observer               Observer
	Logger                 *logrus.Logger
}

// Downloader 是有界并发调度器：普通队列优先于低优先级队列，
// 每个被接纳的 Operation 在独立 goroutine 中执行。
type Downloader struct {
	client     Doer
	observer   Observer
	logger     *logrus.Logger
	validators validators

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu            sync.Mutex
	headers       http.Header
	maxConcurrent int
	order         Order
	normal        []*Operation
	low           []*Operation
	running       map[*Operation]struct{}
	closed        bool
}

// New 构造 Downloader，未提供的依赖使用默认值。
func New(cfg Config) *Downloader {
	if cfg.MaxConcurrentDownloads <= 0 {
		cfg.MaxConcurrentDownloads = DefaultMaxConcurrentDownloads
	}
	if cfg.Client == nil {
		cfg.Client = NewHTTPClient(DefaultTimeout)
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
		cfg.Logger.SetOutput(io.Discard)
	}

	ctx, stop := context.WithCancel(context.Background())
	headers := make(http.Header)
	headers.Set("Accept", "*/*;q=0.8")

	return &Downloader{
		client:        cfg.Client,
		observer:      cfg.Observer,
		logger:        cfg.Logger,
		ctx:           ctx,
		stop:          stop,
		headers:       headers,
		maxConcurrent: cfg.MaxConcurrentDownloads,
		order:         cfg.ExecutionOrder,
		running:       make(map[*Operation]struct{}),
	}
}

// Submit 创建并排队一个 Operation，立即返回。默认请求头在此刻快照，
// 之后的 SetHeader 不影响该操作。
func (d *Downloader) Submit(req Request) *Operation {
	op := &Operation{
		id:      uuid.NewString(),
		request: req,
		d:       d,
	}

	d.mu.Lock()
	if d.closed {
		op.state = StateFailed
		d.mu.Unlock()
		if req.Completed != nil {
			go req.Completed(nil, ErrClosed, true)
		}
		return op
	}
	op.header = d.headers.Clone()
	if req.Options.LowPriority {
		d.low = append(d.low, op)
	} else {
		d.normal = append(d.normal, op)
	}
	admitted := d.admitLocked()
	d.mu.Unlock()

	d.logger.WithFields(logging.OperationFields(op.id, req.URL, StatePending.String(), 0)).Debug("download_submitted")
	d.start(admitted)
	return op
}

// SetHeader 设置默认请求头，value 为空时删除该头。
func (d *Downloader) SetHeader(field, value string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if value == "" {
		d.headers.Del(field)
		return
	}
	d.headers.Set(field, value)
}

// HeaderValue 返回默认请求头的当前值。
func (d *Downloader) HeaderValue(field string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.headers.Get(field)
}

// SetMaxConcurrentDownloads 调整并发上限，只影响之后的接纳，不抢占执行中的操作。
func (d *Downloader) SetMaxConcurrentDownloads(n int) {
	if n <= 0 {
		n = DefaultMaxConcurrentDownloads
	}
	d.mu.Lock()
	d.maxConcurrent = n
	admitted := d.admitLocked()
	d.mu.Unlock()
	d.start(admitted)
}

func (d *Downloader) MaxConcurrentDownloads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxConcurrent
}

// SetExecutionOrder 改变等待队列的出队顺序。
func (d *Downloader) SetExecutionOrder(order Order) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.order = order
}

func (d *Downloader) ExecutionOrder() Order {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.order
}

// PendingCount 返回等待接纳的操作数。
func (d *Downloader) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.normal) + len(d.low)
}

// RunningCount 返回执行中的操作数。
func (d *Downloader) RunningCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.running)
}

// CancelAll 取消所有等待与执行中的操作。
func (d *Downloader) CancelAll() {
	d.mu.Lock()
	ops := make([]*Operation, 0, len(d.normal)+len(d.low)+len(d.running))
	ops = append(ops, d.normal...)
	ops = append(ops, d.low...)
	for op := range d.running {
		ops = append(ops, op)
	}
	d.mu.Unlock()

	for _, op := range ops {
		op.Cancel()
	}
}

// Shutdown 拒绝新请求、取消全部操作并等待执行中的 goroutine 退出。
func (d *Downloader) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	d.CancelAll()
	d.stop()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type admission struct {
	op  *Operation
	ctx context.Context
}

// admitLocked 在持有 d.mu 时按顺序接纳操作直至达到并发上限。
func (d *Downloader) admitLocked() []admission {
	var admitted []admission
	for len(d.running) < d.maxConcurrent {
		op := d.popLocked()
		if op == nil {
			break
		}
		ctx, ok := op.begin(d.ctx)
		if !ok {
			continue
		}
		d.running[op] = struct{}{}
		d.wg.Add(1)
		admitted = append(admitted, admission{op: op, ctx: ctx})
	}
	return admitted
}

func (d *Downloader) popLocked() *Operation {
	queue := &d.normal
	if len(*queue) == 0 {
		queue = &d.low
	}
	if len(*queue) == 0 {
		return nil
	}

	var op *Operation
	if d.order == LIFO {
		last := len(*queue) - 1
		op = (*queue)[last]
		(*queue)[last] = nil
		*queue = (*queue)[:last]
	} else {
		op = (*queue)[0]
		(*queue)[0] = nil
		*queue = (*queue)[1:]
	}
	return op
}

func (d *Downloader) start(admitted []admission) {
	for _, a := range admitted {
		info := a.op.info()
		d.observer.DownloadStarted(info)
		d.logger.WithFields(logging.OperationFields(info.ID, info.URL, StateExecuting.String(), 0)).Debug("download_start")

		go func(a admission) {
			defer d.wg.Done()
			a.op.run(a.ctx)
		}(a)
	}
}

// dequeue 移除已取消的等待操作。
func (d *Downloader) dequeue(op *Operation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.normal = removeOp(d.normal, op)
	d.low = removeOp(d.low, op)
}

// release 在操作进入终态后释放并发名额并接纳后续操作。
func (d *Downloader) release(op *Operation, final State, elapsed time.Duration) {
	d.mu.Lock()
	delete(d.running, op)
	admitted := d.admitLocked()
	d.mu.Unlock()

	info := op.info()
	d.observer.DownloadStopped(info, final, elapsed)
	entry := d.logger.WithFields(logging.OperationFields(info.ID, info.URL, final.String(), elapsed))
	if final == StateFailed {
		entry.Warn("download_stop")
	} else {
		entry.Debug("download_stop")
	}

	d.start(admitted)
}

func removeOp(queue []*Operation, op *Operation) []*Operation {
	for i, candidate := range queue {
		if candidate == op {
			copy(queue[i:], queue[i+1:])
			queue[len(queue)-1] = nil
			return queue[:len(queue)-1]
		}
	}
	return queue
}
