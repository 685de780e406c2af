package cache

import (
	"sort"
	"time"
)

// agePolicy 根据 MaxAge 判断条目是否过期，默认使用 time.Now 作为时钟。
type agePolicy struct {
	maxAge time.Duration
	now    func() time.Time
}

func (p agePolicy) expired(storedAt time.Time) bool {
	if p.maxAge <= 0 {
		return false
	}
	return p.now().Sub(storedAt) > p.maxAge
}

// planSweep 计算一次清理需要删除的条目：先剔除过期条目，再按最近访问时间
// 从旧到新淘汰，直到剩余总量不超过 maxSize*ratio。
func planSweep(entries []DiskEntry, policy agePolicy, maxSize int64, ratio float64) (expired, evicted []DiskEntry, remaining int64) {
	survivors := make([]DiskEntry, 0, len(entries))
	for _, entry := range entries {
		if policy.expired(entry.StoredAt) {
			expired = append(expired, entry)
			continue
		}
		survivors = append(survivors, entry)
		remaining += entry.SizeBytes
	}

	if maxSize <= 0 || remaining <= maxSize {
		return expired, nil, remaining
	}

	if ratio <= 0 || ratio > 1 {
		ratio = DefaultTargetRatio
	}
	target := int64(float64(maxSize) * ratio)

	sort.Slice(survivors, func(i, j int) bool {
		return survivors[i].AccessedAt.Before(survivors[j].AccessedAt)
	})
	for _, entry := range survivors {
		if remaining <= target {
			break
		}
		evicted = append(evicted, entry)
		remaining -= entry.SizeBytes
	}
	return expired, evicted, remaining
}
