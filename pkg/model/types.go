package model

import (
	"net"
	"time"
)

// ProbeTarget 是一次探测任务：一个候选 IP、它所属的 CIDR（用于归属统计）
// 以及该 CIDR 计划抽样的地址数量
type ProbeTarget struct {
	Address    net.IP
	SourceCIDR string
	Samples    int
}

// ProbeOutcome 包含单个 IP 经过各阶段探测后的结果。
// 每个字段只由产生该测量值的阶段写入，worker 之间不共享可变状态。
type ProbeOutcome struct {
	Address    net.IP
	SourceCIDR string

	// 可达性阶段
	Reachable bool
	Delay     time.Duration

	// 信任验证阶段
	Verified bool
	Colo     string // e.g., "SJC"
	Region   string // e.g., "North America"

	// 测速阶段
	DownloadSpeed float64 // in B/s

	// 代理隧道验证阶段
	ProxyDelay time.Duration

	// 失败原因分类（timeout / refused / protocol / verify），成功时为空
	Reason string
}

// RangeOutcome 是对同一 CIDR 抽样结果的聚合
type RangeOutcome struct {
	CIDR        string
	Samples     int
	Successes   int
	SuccessRate float64
	MeanDelay   time.Duration // 仅统计成功样本
	Pass        bool
}
