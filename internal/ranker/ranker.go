package ranker

import (
	"sort"
	"time"

	"CDN_IP_Prober_Go/pkg/model"
)

// 本包只包含纯函数：对流水线收集到的结果做排序、过滤和按区间聚合，
// 不做任何 I/O。结果在 worker 完成顺序上没有保证，
// 输出顺序完全由这里的排序决定。

// Accepted 返回通过可达性和信任验证的结果子集，原列表不变
func Accepted(outcomes []model.ProbeOutcome) []model.ProbeOutcome {
	var accepted []model.ProbeOutcome
	for _, o := range outcomes {
		if o.Reachable && o.Verified {
			accepted = append(accepted, o)
		}
	}
	return accepted
}

// SortByDelay 按延迟升序排序（原地）
func SortByDelay(outcomes []model.ProbeOutcome) {
	sort.SliceStable(outcomes, func(i, j int) bool {
		return outcomes[i].Delay < outcomes[j].Delay
	})
}

// SortBySpeed 按下载速度降序排序，速度相同时延迟低者在前（原地）
func SortBySpeed(outcomes []model.ProbeOutcome) {
	sort.SliceStable(outcomes, func(i, j int) bool {
		if outcomes[i].DownloadSpeed != outcomes[j].DownloadSpeed {
			return outcomes[i].DownloadSpeed > outcomes[j].DownloadSpeed
		}
		return outcomes[i].Delay < outcomes[j].Delay
	})
}

// FilterByDelay 返回延迟不超过上限的子集
func FilterByDelay(outcomes []model.ProbeOutcome, maxDelay time.Duration) []model.ProbeOutcome {
	var filtered []model.ProbeOutcome
	for _, o := range outcomes {
		if o.Delay <= maxDelay {
			filtered = append(filtered, o)
		}
	}
	return filtered
}

// AggregateRanges 把逐地址结果按来源 CIDR 聚合为区间结果。
// 一个区间通过的条件是：成功率不低于 minRate 且成功样本的平均延迟不超过 maxDelay。
// 输出按 CIDR 首次出现的顺序排列。
func AggregateRanges(outcomes []model.ProbeOutcome, minRate float64, maxDelay time.Duration) []model.RangeOutcome {
	order := []string{}
	byCIDR := make(map[string][]model.ProbeOutcome)
	for _, o := range outcomes {
		if _, seen := byCIDR[o.SourceCIDR]; !seen {
			order = append(order, o.SourceCIDR)
		}
		byCIDR[o.SourceCIDR] = append(byCIDR[o.SourceCIDR], o)
	}

	results := make([]model.RangeOutcome, 0, len(order))
	for _, cidr := range order {
		group := byCIDR[cidr]
		ro := model.RangeOutcome{CIDR: cidr, Samples: len(group)}
		var totalDelay time.Duration
		for _, o := range group {
			if o.Reachable && o.Verified {
				ro.Successes++
				totalDelay += o.Delay
			}
		}
		if ro.Samples > 0 {
			ro.SuccessRate = float64(ro.Successes) / float64(ro.Samples)
		}
		if ro.Successes > 0 {
			ro.MeanDelay = totalDelay / time.Duration(ro.Successes)
		}
		ro.Pass = ro.SuccessRate >= minRate && ro.Successes > 0 && ro.MeanDelay <= maxDelay
		results = append(results, ro)
	}
	return results
}
