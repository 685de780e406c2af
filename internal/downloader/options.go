package downloader

// Options 是单个下载请求的独立开关。
type Options struct {
	// LowPriority 的请求排在所有普通请求之后。
	LowPriority bool
	// ProgressiveDownload 在数据到达时以 finished=false 回调部分数据。
	ProgressiveDownload bool
	// UseExternalCache 携带此前 200 响应记录的 ETag/Last-Modified 发起条件请求。
	UseExternalCache bool
	// IgnoreCachedResponse 配合 UseExternalCache：304 时以空数据完成，
	// 否则会去掉条件头重新完整获取一次。
	IgnoreCachedResponse bool
}

// Order 决定等待队列的出队顺序，只影响尚未开始的操作。
type Order int

const (
	// FIFO 先提交先执行（默认）。
	FIFO Order = iota
	// LIFO 后提交先执行。
	LIFO
)

func (o Order) String() string {
	if o == LIFO {
		return "lifo"
	}
	return "fifo"
}

// ParseOrder 将配置字符串转换为 Order，未知值返回 false。
func ParseOrder(raw string) (Order, bool) {
	switch raw {
	case "", "fifo":
		return FIFO, true
	case "lifo":
		return LIFO, true
	default:
		return FIFO, false
	}
}

// State 是 Operation 的生命周期状态。
type State int

const (
	StatePending State = iota
	StateExecuting
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateExecuting:
		return "executing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal 表示状态不会再变化。
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}
