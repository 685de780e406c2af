package manager

// Delegate 是 Manager 的外部协作者。
type Delegate interface {
	// ShouldDownload 在缓存未命中时决定是否发起下载。
	ShouldDownload(url string) bool
	// Transform 处理下载完成的数据，结果写入缓存并返回给调用方。
	// 返回错误或空数据视为失败。
	Transform(data []byte, url string) ([]byte, error)
}

// DefaultDelegate 总是下载，且原样返回数据。
type DefaultDelegate struct{}

func (DefaultDelegate) ShouldDownload(string) bool { return true }

func (DefaultDelegate) Transform(data []byte, _ string) ([]byte, error) { return data, nil }

// KeyFilter 将 URL 映射为缓存 key，例如去掉易变的 query 参数。
type KeyFilter func(url string) string
