package output

import "CDN_IP_Prober_Go/pkg/model"

// HumanReadableResult 定义了一个对人类友好的、用于最终文件输出的数据结构
type HumanReadableResult struct {
	Address           string  `json:"Address"`
	SourceCIDR        string  `json:"SourceCIDR"`
	DelayMS           float64 `json:"DelayMS"` // 延迟 (毫秒)
	Verified          bool    `json:"Verified"`
	Colo              string  `json:"Colo"`
	Region            string  `json:"Region"`
	DownloadSpeedMBps float64 `json:"DownloadSpeedMBps"` // 下载速度 (MB/s)
	ProxyDelayMS      float64 `json:"ProxyDelayMS,omitempty"`
	Reason            string  `json:"Reason,omitempty"`
}

// ToHumanReadable 将引擎的原始结果转换为对人类友好的格式
func ToHumanReadable(results []model.ProbeOutcome) []HumanReadableResult {
	humanResults := make([]HumanReadableResult, len(results))
	for i, r := range results {
		humanResults[i] = HumanReadableResult{
			Address:           r.Address.String(),
			SourceCIDR:        r.SourceCIDR,
			DelayMS:           float64(r.Delay.Nanoseconds()) / 1000000.0,
			Verified:          r.Verified,
			Colo:              r.Colo,
			Region:            r.Region,
			DownloadSpeedMBps: r.DownloadSpeed / 1024.0 / 1024.0,
			ProxyDelayMS:      float64(r.ProxyDelay.Nanoseconds()) / 1000000.0,
			Reason:            r.Reason,
		}
	}
	return humanResults
}
