package matcher

import (
	"encoding/binary"
	"net"
	"sort"
	"strings"
)

// AddressRange 表示一个 IPv4 数值区间，Start <= End，解析后不可变
type AddressRange struct {
	Start uint32
	End   uint32
	CIDR  string // 原始 CIDR 字符串，用于归属
}

// RangeIndex 是按 Start 升序排列的参考区间集合。
// 构建一次后只读；参考列表变化时重建而不是修改。
type RangeIndex struct {
	ranges []AddressRange
}

// Build 解析参考 CIDR 列表并构建可二分查找的区间索引。
// 无法解析的条目和 IPv6 条目会被丢弃（数值区间匹配仅限 IPv4）。
func Build(cidrs []string) *RangeIndex {
	idx := &RangeIndex{}
	for _, c := range cidrs {
		r, ok := ParseRange(c)
		if !ok {
			continue
		}
		idx.ranges = append(idx.ranges, r)
	}
	sort.Slice(idx.ranges, func(i, j int) bool {
		return idx.ranges[i].Start < idx.ranges[j].Start
	})
	return idx
}

// Len 返回索引中的区间数量
func (idx *RangeIndex) Len() int {
	return len(idx.ranges)
}

// ParseRange 将一个 CIDR 字符串（或裸 IPv4 地址，按 /32 处理）解析为数值区间。
// IPv6 或格式错误返回 ok=false
func ParseRange(s string) (AddressRange, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.Contains(s, ":") {
		return AddressRange{}, false
	}

	// 裸地址按主机路由处理
	if !strings.Contains(s, "/") {
		ip := net.ParseIP(s)
		if ip == nil || ip.To4() == nil {
			return AddressRange{}, false
		}
		v := binary.BigEndian.Uint32(ip.To4())
		return AddressRange{Start: v, End: v, CIDR: s}, true
	}

	_, ipNet, err := net.ParseCIDR(s)
	if err != nil || ipNet.IP.To4() == nil {
		return AddressRange{}, false
	}
	start := binary.BigEndian.Uint32(ipNet.IP.To4())
	end := start
	for i, b := range ipNet.Mask {
		end |= uint32(^b) << (8 * (3 - i))
	}
	return AddressRange{Start: start, End: end, CIDR: s}, true
}

// searchFrom 返回第一个 End >= start 的区间下标
func (idx *RangeIndex) searchFrom(start uint32) int {
	return sort.Search(len(idx.ranges), func(i int) bool {
		return idx.ranges[i].End >= start
	})
}

// Overlaps 判断候选 CIDR 是否与任一参考区间相交。
// 二分定位起点后向前线性扫描，遇到第一个相交即返回；
// 参考区间互不重叠，扫描只会触及真正相交的区间加最多一个邻居，
// 整体代价 O(log n + k)。
func (idx *RangeIndex) Overlaps(candidate string) bool {
	c, ok := ParseRange(candidate)
	if !ok {
		return false
	}
	for i := idx.searchFrom(c.Start); i < len(idx.ranges) && idx.ranges[i].Start <= c.End; i++ {
		if idx.ranges[i].End >= c.Start {
			return true
		}
	}
	return false
}

// ContainedIn 是更严格的变体：候选区间必须完整落在某一个参考区间内。
// 覆盖整个 IPv4 地址空间的候选（0.0.0.0/0）永远不算包含——
// 这类"全匹配"条目没有意义，必须在进入查询前排除。
// 注意只排除全空间这一种情况，/1 等大区间照常匹配。
func (idx *RangeIndex) ContainedIn(candidate string) bool {
	c, ok := ParseRange(candidate)
	if !ok {
		return false
	}
	if c.Start == 0 && c.End == ^uint32(0) {
		return false
	}
	for i := idx.searchFrom(c.Start); i < len(idx.ranges) && idx.ranges[i].Start <= c.End; i++ {
		if idx.ranges[i].Start <= c.Start && c.End <= idx.ranges[i].End {
			return true
		}
	}
	return false
}
