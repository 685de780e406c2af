package downloader

import (
	"errors"
	"fmt"
)

// ErrClosed 表示 Downloader 已关闭，不再接受请求。
var ErrClosed = errors.New("downloader closed")

// TransportError 描述网络层失败：请求无法发出、连接中断或非 2xx 状态码。
type TransportError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
