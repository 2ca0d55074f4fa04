package prober

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"CDN_IP_Prober_Go/internal/config"
)

const userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_12_6) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/98.0.4758.80 Safari/537.36"

// Result 是单个 IP 的可达性探测结果
type Result struct {
	Reachable bool
	Delay     time.Duration // 从发起拨号到连接建立（含 TLS 握手）的耗时
	Verified  bool
	Colo      string // trace 模式下从响应体提取的数据中心代码
	Reason    string // 失败分类：timeout / refused / protocol / verify
}

// Prober 对单个地址执行带超时的连接探测和可选的信任验证。
// 构造后只读，可被任意数量的 worker 共享。
type Prober struct {
	port       int
	useTLS     bool
	hostname   string
	timeout    time.Duration
	verifyMode string
	verifyHost string
	verifyPath string
	insecure   bool
}

// New 根据运行配置构造探测器。verify_url 无法解析属于配置错误。
func New(cfg *config.Config) (*Prober, error) {
	u, err := url.Parse(cfg.VerifyURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("无法解析 verify_url '%s': %v", cfg.VerifyURL, err)
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return &Prober{
		port:       cfg.Port,
		useTLS:     cfg.UseTLS,
		hostname:   cfg.Hostname,
		timeout:    time.Duration(cfg.ProbeTimeoutMS) * time.Millisecond,
		verifyMode: cfg.VerifyMode,
		verifyHost: u.Hostname(),
		verifyPath: path,
		// generic 模式只看状态行，不看内容，跳过证书校验；
		// trace 模式做完整校验
		insecure: cfg.VerifyMode == "generic",
	}, nil
}

// Probe 对一个地址执行探测：带超时的 TCP 拨号（可选升级 TLS），
// 然后按配置执行 trace 或 generic 信任验证。
// 任何失败都折叠为 Result，绝不向调用方抛出。
func (p *Prober) Probe(ctx context.Context, ip net.IP) Result {
	addr := net.JoinHostPort(ip.String(), strconv.Itoa(p.port))

	d := net.Dialer{Timeout: p.timeout}
	t0 := time.Now()
	rawConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return Result{Reason: classify(err)}
	}
	defer rawConn.Close()

	conn := rawConn
	if p.useTLS {
		// SNI 必须设置为被伪装的逻辑主机名而不是拨号的 IP，
		// 否则边缘节点会按 SNI 拒绝或错误路由
		tlsConn := tls.Client(rawConn, &tls.Config{
			ServerName:         p.hostname,
			InsecureSkipVerify: p.insecure,
			MinVersion:         tls.VersionTLS12,
		})
		_ = tlsConn.SetDeadline(time.Now().Add(p.timeout))
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return Result{Reason: classify(err)}
		}
		conn = tlsConn
	}
	delay := time.Since(t0)

	res := Result{Reachable: true, Delay: delay}

	switch p.verifyMode {
	case "off":
		res.Verified = true
	case "generic":
		res.Verified, res.Reason = p.verifyGeneric(conn)
	case "trace":
		res.Verified, res.Colo, res.Reason = p.verifyTrace(conn)
	}
	return res
}

// verifyGeneric 发送一个 GET 请求并只解析状态行：
// 任何语法合法且状态码在 100-599 之间的响应都算验证通过，
// 证明该地址后面确实有一个以期望主机名应答的 HTTP 服务
func (p *Prober) verifyGeneric(conn net.Conn) (bool, string) {
	reader, err := p.sendRequest(conn)
	if err != nil {
		return false, classify(err)
	}
	code, err := readStatusLine(reader)
	if err != nil {
		return false, classify(err)
	}
	if code < 100 || code > 599 {
		return false, "verify"
	}
	return true, ""
}

// verifyTrace 流式读取诊断路径的响应体，确认其中同时出现
// 数据中心标记（colo=）和回显地址标记（ip=）后立即断开，
// 不等待响应体读完
func (p *Prober) verifyTrace(conn net.Conn) (bool, string, string) {
	reader, err := p.sendRequest(conn)
	if err != nil {
		return false, "", classify(err)
	}
	code, err := readStatusLine(reader)
	if err != nil {
		return false, "", classify(err)
	}
	if code != 200 {
		return false, "", "verify"
	}
	if err := skipHeaders(reader); err != nil {
		return false, "", classify(err)
	}

	var colo string
	sawIP := false
	for {
		line, err := reader.ReadString('\n')
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), "colo="); ok {
			colo = v
		}
		if strings.HasPrefix(strings.TrimSpace(line), "ip=") {
			sawIP = true
		}
		if colo != "" && sawIP {
			// 两个标记都确认后立即返回，连接由上层关闭
			return true, colo, ""
		}
		if err != nil {
			return false, "", "verify"
		}
	}
}

func (p *Prober) sendRequest(conn net.Conn) (*bufio.Reader, error) {
	_ = conn.SetDeadline(time.Now().Add(p.timeout))
	req := fmt.Sprintf("GET %s HTTP/1.1\r\nHost: %s\r\nUser-Agent: %s\r\nConnection: close\r\n\r\n",
		p.verifyPath, p.verifyHost, userAgent)
	if _, err := conn.Write([]byte(req)); err != nil {
		return nil, err
	}
	return bufio.NewReader(conn), nil
}

// readStatusLine 解析形如 "HTTP/1.1 200 OK" 的状态行并返回状态码
func readStatusLine(reader *bufio.Reader) (int, error) {
	line, err := reader.ReadString('\n')
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(line)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "HTTP/") {
		return 0, fmt.Errorf("malformed status line: %q", strings.TrimSpace(line))
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, fmt.Errorf("malformed status code: %q", fields[1])
	}
	return code, nil
}

// skipHeaders 读到空行为止，丢弃响应头
func skipHeaders(reader *bufio.Reader) error {
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return err
		}
		if strings.TrimSpace(line) == "" {
			return nil
		}
	}
}

// classify 将底层错误归入错误分类
func classify(err error) string {
	if err == nil {
		return ""
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	if strings.Contains(err.Error(), "malformed") {
		return "protocol"
	}
	return "refused"
}
