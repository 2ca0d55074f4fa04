package tester

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
)

var (
	// ColoRegexp 用于从 cf-ray 中提取数据中心代码
	ColoRegexp = regexp.MustCompile(`[A-Z]{3}`)
)

// isIPv6 检查 IP 地址字符串是否为 IPv6
func isIPv6(ip string) bool {
	return strings.Contains(ip, ":")
}

// getDialContext 创建一个自定义的拨号上下文，
// 忽略 URL 解析出的地址，强制连接到指定候选 IP 的指定端口
func getDialContext(ip net.IP, port int) func(ctx context.Context, network, address string) (net.Conn, error) {
	var targetAddr string
	if isIPv6(ip.String()) {
		targetAddr = "[" + ip.String() + "]:" + strconv.Itoa(port)
	} else {
		targetAddr = ip.String() + ":" + strconv.Itoa(port)
	}
	return func(ctx context.Context, network, address string) (net.Conn, error) {
		return (&net.Dialer{}).DialContext(ctx, network, targetAddr)
	}
}

// getHeaderColo 从响应头中获取数据中心（Colo）代码
func getHeaderColo(header http.Header) (colo string) {
	// Cloudflare 走 cf-ray 头部，其他 CDN 的逻辑按需添加
	if header.Get("Server") == "cloudflare" {
		colo = header.Get("cf-ray") // 示例 cf-ray: 7bd32409eda7b020-SJC
	} else {
		colo = header.Get("x-amz-cf-pop") // AWS CloudFront
	}

	if colo == "" {
		return ""
	}
	return ColoRegexp.FindString(colo)
}
