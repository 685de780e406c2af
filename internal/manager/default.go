package manager

import "sync"

var (
	defaultMu      sync.RWMutex
	defaultManager *Manager
)

// SetDefault 设置进程级默认 Manager，仅供不便注入依赖的调用方使用。
func SetDefault(m *Manager) {
	defaultMu.Lock()
	defaultManager = m
	defaultMu.Unlock()
}

// Default 返回 SetDefault 设置的 Manager，未设置时为 nil。
func Default() *Manager {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultManager
}
