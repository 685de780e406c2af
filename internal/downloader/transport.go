package downloader

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// DefaultTimeout 是未配置 UpstreamTimeout 时的请求超时。
const DefaultTimeout = 30 * time.Second

// Doer 抽象外部 HTTP 传输，*http.Client 即满足该接口。
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewHTTPClient 返回基于共享 transport 的 http.Client，timeout<=0 时使用 DefaultTimeout。
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: defaultTransport.Clone(),
	}
}

// validators 记录每个 URL 最近一次 200 响应的校验头，用于条件请求。
type validators struct {
	entries sync.Map
}

type validator struct {
	etag         string
	lastModified string
}

func (v *validators) remember(url string, header http.Header) {
	entry := validator{
		etag:         header.Get("Etag"),
		lastModified: header.Get("Last-Modified"),
	}
	if entry.etag == "" && entry.lastModified == "" {
		v.entries.Delete(url)
		return
	}
	v.entries.Store(url, entry)
}

// apply 为请求添加 If-None-Match / If-Modified-Since，返回是否添加了条件头。
func (v *validators) apply(url string, header http.Header) bool {
	value, ok := v.entries.Load(url)
	if !ok {
		return false
	}
	entry := value.(validator)
	if entry.etag != "" {
		header.Set("If-None-Match", entry.etag)
	}
	if entry.lastModified != "" {
		header.Set("If-Modified-Since", entry.lastModified)
	}
	return true
}

func stripConditional(header http.Header) {
	header.Del("If-None-Match")
	header.Del("If-Modified-Since")
}
