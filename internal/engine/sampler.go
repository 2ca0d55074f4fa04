package engine

import (
	"math/rand"
	"net"

	"CDN_IP_Prober_Go/pkg/model"
)

// expandTargets 把候选网段展开成待测地址。
// 裸地址只产生一个样本；CIDR 按 samples 随机取样，
// 小网段最多取到可用地址数为止。
func expandTargets(candidates []string, samples int) []model.ProbeTarget {
	if samples < 1 {
		samples = 1
	}
	var targets []model.ProbeTarget
	for _, c := range candidates {
		if ip := net.ParseIP(c); ip != nil {
			targets = append(targets, model.ProbeTarget{Address: ip, SourceCIDR: c, Samples: 1})
			continue
		}
		_, ipNet, err := net.ParseCIDR(c)
		if err != nil {
			continue
		}
		n := samples
		ones, bits := ipNet.Mask.Size()
		hostBits := bits - ones
		if hostBits == 0 {
			n = 1
		} else if hostBits < 31 && (1<<hostBits) < n {
			n = 1 << hostBits
		}
		seen := make(map[string]bool, n)
		for len(seen) < n {
			ip := randIPInNet(ipNet)
			key := ip.String()
			if seen[key] {
				continue
			}
			seen[key] = true
			targets = append(targets, model.ProbeTarget{Address: ip, SourceCIDR: c, Samples: n})
		}
	}
	return targets
}

// randIPInNet 在网段内随机取一个地址，主机位逐字节填充随机数
func randIPInNet(ipNet *net.IPNet) net.IP {
	base := ipNet.IP
	if v4 := base.To4(); v4 != nil {
		base = v4
	}
	ip := make(net.IP, len(base))
	copy(ip, base)
	for i := range ip {
		r := byte(rand.Intn(256))
		ip[i] |= r &^ ipNet.Mask[i]
	}
	return ip
}
