package manager

import (
	"errors"
	"fmt"
)

var (
	// ErrBlacklisted 表示该 URL 之前下载失败，本次未发起网络请求。
	ErrBlacklisted = errors.New("url blacklisted after previous failure")
	// ErrEmptyURL 表示 Fetch 收到空 URL。
	ErrEmptyURL = errors.New("empty url")
	// ErrClosed 表示 Manager 已关闭。
	ErrClosed = errors.New("manager closed")
	// ErrEmptyData 表示 Transform 返回了空数据。
	ErrEmptyData = errors.New("transform returned empty data")
)

// TransformError 包装 Delegate.Transform 的失败。
type TransformError struct {
	URL string
	Err error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("transform %s: %v", e.URL, e.Err)
}

func (e *TransformError) Unwrap() error {
	return e.Err
}
