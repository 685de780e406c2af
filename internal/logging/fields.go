package logging

import (
	"time"

	"github.com/sirupsen/logrus"
)

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// FetchFields 提供 manager 层的 key/命中层级字段，供 fetch 日志复用。
func FetchFields(namespace, url, key, tier string) logrus.Fields {
	return logrus.Fields{
		"namespace": namespace,
		"url":       url,
		"cache_key": key,
		"tier":      tier,
	}
}

// OperationFields 描述单个下载操作；elapsed 为 0 时不输出耗时。
func OperationFields(id, url, state string, elapsed time.Duration) logrus.Fields {
	fields := logrus.Fields{
		"operation_id": id,
		"url":          url,
		"state":        state,
	}
	if elapsed > 0 {
		fields["elapsed_ms"] = elapsed.Milliseconds()
	}
	return fields
}
