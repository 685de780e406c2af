package downloader

import "time"

// Info 描述一次下载，用于启动/结束通知。
type Info struct {
	ID      string
	URL     string
	Options Options
}

// Observer 接收下载开始（Pending→Executing）与结束通知。
// 回调在调度锁之外执行，但不应阻塞。
type Observer interface {
	DownloadStarted(info Info)
	DownloadStopped(info Info, state State, elapsed time.Duration)
}

// Observers 将通知依次转发给多个 Observer。
type Observers []Observer

func (o Observers) DownloadStarted(info Info) {
	for _, obs := range o {
		obs.DownloadStarted(info)
	}
}

func (o Observers) DownloadStopped(info Info, state State, elapsed time.Duration) {
	for _, obs := range o {
		obs.DownloadStopped(info, state, elapsed)
	}
}

type nopObserver struct{}

func (nopObserver) DownloadStarted(Info)                       {}
func (nopObserver) DownloadStopped(Info, State, time.Duration) {}
