package downloader

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"
)

// maxPrealloc 限制按 Content-Length 预分配的缓冲区大小。
const maxPrealloc = 64 << 20

// ProgressFunc 在收到数据时回调；expected<0 表示总长度未知。
type ProgressFunc func(received, expected int64)

// CompletedFunc 接收下载结果。finished=false 只在 ProgressiveDownload 下出现，
// data 为截至目前的只读前缀。成功时 data 非 nil；data==nil && err==nil 表示
// 条件请求返回 304 且设置了 IgnoreCachedResponse。
type CompletedFunc func(data []byte, err error, finished bool)

// Request 是提交给 Downloader 的一次获取请求。
type Request struct {
	URL       string
	Options   Options
	Progress  ProgressFunc
	Completed CompletedFunc
	Cancelled func()
}

// Operation 是一次可取消的网络请求。终态回调（Completed finished=true、
// Cancelled）恰好触发一次，且取消后不会再触发 Completed。
type Operation struct {
	id      string
	request Request
	header  http.Header
	d       *Downloader

	mu      sync.Mutex
	state   State
	cancel  context.CancelFunc
	started time.Time
}

// ID 返回操作的唯一标识。
func (o *Operation) ID() string {
	return o.id
}

// URL 返回请求地址。
func (o *Operation) URL() string {
	return o.request.URL
}

// State 返回当前状态。
func (o *Operation) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Cancel 取消操作；等待中的操作永远不会发出网络请求，执行中的操作会中断
// 传输。对已结束的操作为 no-op，可重复调用。
func (o *Operation) Cancel() {
	o.mu.Lock()
	switch o.state {
	case StatePending:
		o.state = StateCancelled
		o.mu.Unlock()
		o.d.dequeue(o)
		o.notifyCancelled()
	case StateExecuting:
		o.state = StateCancelled
		cancel := o.cancel
		o.mu.Unlock()
		cancel()
	default:
		o.mu.Unlock()
	}
}

func (o *Operation) info() Info {
	return Info{ID: o.id, URL: o.request.URL, Options: o.request.Options}
}

// begin 执行 Pending→Executing，已取消的操作返回 false。
func (o *Operation) begin(parent context.Context) (context.Context, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StatePending {
		return nil, false
	}
	ctx, cancel := context.WithCancel(parent)
	o.state = StateExecuting
	o.cancel = cancel
	o.started = time.Now()
	return ctx, true
}

func (o *Operation) executing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state == StateExecuting
}

func (o *Operation) run(ctx context.Context) {
	data, err := o.fetch(ctx)

	o.mu.Lock()
	cancelled := o.state == StateCancelled
	if !cancelled {
		if err != nil {
			o.state = StateFailed
		} else {
			o.state = StateCompleted
		}
	}
	final := o.state
	elapsed := time.Since(o.started)
	o.mu.Unlock()
	o.cancel()

	o.d.release(o, final, elapsed)

	if cancelled {
		o.notifyCancelled()
		return
	}
	if o.request.Completed != nil {
		o.request.Completed(data, err, true)
	}
}

func (o *Operation) fetch(ctx context.Context) ([]byte, error) {
	url := o.request.URL
	opts := o.request.Options

	header := o.header.Clone()
	conditional := false
	if opts.UseExternalCache {
		conditional = o.d.validators.apply(url, header)
	}

	resp, err := o.do(ctx, header)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotModified && conditional {
		resp.Body.Close()
		if opts.IgnoreCachedResponse {
			return nil, nil
		}
		// 本地没有 304 对应的正文，去掉条件头完整获取
		stripConditional(header)
		if resp, err = o.do(ctx, header); err != nil {
			return nil, err
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &TransportError{URL: url, StatusCode: resp.StatusCode}
	}

	data, err := o.readBody(resp)
	if err != nil {
		return data, err
	}
	o.d.validators.remember(url, resp.Header)
	return data, nil
}

func (o *Operation) do(ctx context.Context, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.request.URL, nil)
	if err != nil {
		return nil, &TransportError{URL: o.request.URL, Err: err}
	}
	req.Header = header
	resp, err := o.d.client.Do(req)
	if err != nil {
		return nil, &TransportError{URL: o.request.URL, Err: err}
	}
	return resp, nil
}

func (o *Operation) readBody(resp *http.Response) ([]byte, error) {
	expected := resp.ContentLength
	capacity := 0
	if expected > 0 && expected <= maxPrealloc {
		capacity = int(expected)
	}
	data := make([]byte, 0, capacity)
	buf := make([]byte, 32*1024)
	var received int64

	o.progress(0, expected)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			data = append(data, buf[:n]...)
			received += int64(n)
			o.progress(received, expected)
			if o.request.Options.ProgressiveDownload {
				o.partial(data[:len(data):len(data)])
			}
		}
		if err == io.EOF {
			return data, nil
		}
		if err != nil {
			return data, &TransportError{URL: o.request.URL, Err: err}
		}
	}
}

func (o *Operation) progress(received, expected int64) {
	if o.request.Progress != nil && o.executing() {
		o.request.Progress(received, expected)
	}
}

func (o *Operation) partial(data []byte) {
	if o.request.Completed != nil && o.executing() {
		o.request.Completed(data, nil, false)
	}
}

func (o *Operation) notifyCancelled() {
	if o.request.Cancelled != nil {
		o.request.Cancelled()
	}
}
