package matcher

import (
	"fmt"
	"math/rand"
	"testing"
)

func TestParseRange(t *testing.T) {
	tests := []struct {
		in    string
		ok    bool
		start uint32
		end   uint32
	}{
		{"10.0.0.0/8", true, 0x0a000000, 0x0affffff},
		{"192.168.1.0/24", true, 0xc0a80100, 0xc0a801ff},
		{"1.2.3.4", true, 0x01020304, 0x01020304}, // 裸地址 = /32 主机路由
		{"0.0.0.0/0", true, 0, 0xffffffff},
		{"2606:4700::/32", false, 0, 0}, // IPv6 不参与数值区间匹配
		{"not-a-cidr", false, 0, 0},
		{"", false, 0, 0},
	}
	for _, tt := range tests {
		r, ok := ParseRange(tt.in)
		if ok != tt.ok {
			t.Errorf("ParseRange(%q) ok = %v, want %v", tt.in, ok, tt.ok)
			continue
		}
		if ok && (r.Start != tt.start || r.End != tt.end) {
			t.Errorf("ParseRange(%q) = [%08x, %08x], want [%08x, %08x]", tt.in, r.Start, r.End, tt.start, tt.end)
		}
	}
}

func TestEndToEndClassification(t *testing.T) {
	idx := Build([]string{"10.0.0.0/8"})
	tests := []struct {
		candidate string
		overlaps  bool
		contained bool
	}{
		{"10.1.0.0/24", true, true},
		{"192.168.0.0/24", false, false},
		{"0.0.0.0/0", true, false}, // 全空间候选相交但永远不算包含
	}
	for _, tt := range tests {
		if got := idx.Overlaps(tt.candidate); got != tt.overlaps {
			t.Errorf("Overlaps(%q) = %v, want %v", tt.candidate, got, tt.overlaps)
		}
		if got := idx.ContainedIn(tt.candidate); got != tt.contained {
			t.Errorf("ContainedIn(%q) = %v, want %v", tt.candidate, got, tt.contained)
		}
	}
}

func TestEmptyIndex(t *testing.T) {
	idx := Build(nil)
	if idx.Overlaps("10.0.0.0/8") {
		t.Error("空索引的 Overlaps 应当返回 false")
	}
	if idx.ContainedIn("10.0.0.1") {
		t.Error("空索引的 ContainedIn 应当返回 false")
	}
}

func TestFullSpaceNeverContained(t *testing.T) {
	// 无论索引内容如何（即便索引本身含 0.0.0.0/0），全空间候选都不算包含
	for _, ref := range [][]string{
		{"10.0.0.0/8"},
		{"0.0.0.0/0"},
		{"0.0.0.0/1", "128.0.0.0/1"},
	} {
		idx := Build(ref)
		if idx.ContainedIn("0.0.0.0/0") {
			t.Errorf("ContainedIn(0.0.0.0/0) 在索引 %v 下应当返回 false", ref)
		}
	}
}

func TestHalfSpaceIsNotSpecialCased(t *testing.T) {
	// 只有全空间被排除，/1 这类大区间照常参与包含判断
	idx := Build([]string{"0.0.0.0/1"})
	if !idx.ContainedIn("10.0.0.0/8") {
		t.Error("10.0.0.0/8 应当包含于 0.0.0.0/1")
	}
	if !idx.ContainedIn("0.0.0.0/1") {
		t.Error("0.0.0.0/1 自身应当包含于 0.0.0.0/1")
	}
}

// bruteOverlaps / bruteContained 是 O(n) 的朴素参照实现
func bruteOverlaps(ranges []AddressRange, c AddressRange) bool {
	for _, r := range ranges {
		if r.Start <= c.End && r.End >= c.Start {
			return true
		}
	}
	return false
}

func bruteContained(ranges []AddressRange, c AddressRange) bool {
	if c.Start == 0 && c.End == ^uint32(0) {
		return false
	}
	for _, r := range ranges {
		if r.Start <= c.Start && c.End <= r.End {
			return true
		}
	}
	return false
}

// randomDisjointCIDRs 生成一组互不重叠的 /16 参考区间
func randomDisjointCIDRs(rng *rand.Rand, n int) []string {
	seen := make(map[int]bool)
	var cidrs []string
	for len(cidrs) < n {
		hi := rng.Intn(1 << 16)
		if seen[hi] {
			continue
		}
		seen[hi] = true
		cidrs = append(cidrs, fmt.Sprintf("%d.%d.0.0/16", hi>>8, hi&0xff))
	}
	return cidrs
}

func TestAgainstBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	cidrs := randomDisjointCIDRs(rng, 200)
	idx := Build(cidrs)

	var ranges []AddressRange
	for _, c := range cidrs {
		r, _ := ParseRange(c)
		ranges = append(ranges, r)
	}

	masks := []int{8, 12, 16, 20, 24, 32}
	for i := 0; i < 2000; i++ {
		bits := masks[rng.Intn(len(masks))]
		candidate := fmt.Sprintf("%d.%d.%d.%d/%d",
			rng.Intn(256), rng.Intn(256), rng.Intn(256), rng.Intn(256), bits)
		c, ok := ParseRange(candidate)
		if !ok {
			t.Fatalf("生成的候选无法解析: %s", candidate)
		}
		if got, want := idx.Overlaps(candidate), bruteOverlaps(ranges, c); got != want {
			t.Fatalf("Overlaps(%s) = %v, 朴素扫描 = %v", candidate, got, want)
		}
		if got, want := idx.ContainedIn(candidate), bruteContained(ranges, c); got != want {
			t.Fatalf("ContainedIn(%s) = %v, 朴素扫描 = %v", candidate, got, want)
		}
	}
}

func TestBuildOrderIndependence(t *testing.T) {
	sorted := []string{"10.0.0.0/8", "100.64.0.0/10", "172.16.0.0/12", "192.168.0.0/16"}
	shuffled := []string{"192.168.0.0/16", "10.0.0.0/8", "172.16.0.0/12", "100.64.0.0/10"}
	a := Build(sorted)
	b := Build(shuffled)

	candidates := []string{
		"10.1.0.0/24", "11.0.0.0/8", "100.64.1.0/24", "172.20.0.0/16",
		"192.168.5.5", "8.8.8.8", "0.0.0.0/0", "172.0.0.0/8",
	}
	for _, c := range candidates {
		if a.Overlaps(c) != b.Overlaps(c) {
			t.Errorf("Overlaps(%q) 结果与构建顺序相关", c)
		}
		if a.ContainedIn(c) != b.ContainedIn(c) {
			t.Errorf("ContainedIn(%q) 结果与构建顺序相关", c)
		}
	}
}

func TestIPv6CandidatesOutOfScope(t *testing.T) {
	// 数值区间匹配是刻意限定在 IPv4 的范围内；
	// IPv6 候选不参与过滤，由上层直接放行
	idx := Build([]string{"10.0.0.0/8", "2606:4700::/32"})
	if idx.Overlaps("2606:4700::/32") {
		t.Error("IPv6 候选不应参与数值区间匹配")
	}
	if idx.ContainedIn("2606:4700:0:0::1") {
		t.Error("IPv6 候选不应参与数值区间匹配")
	}
}
