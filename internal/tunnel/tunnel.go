package tunnel

import (
	"bufio"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Kind 标识隧道握手协议
type Kind string

const (
	KindSOCKS5      Kind = "socks"
	KindHTTPConnect Kind = "http"
)

// Session 是经过本地代理进程打开的一条字节流，
// 归发起它的探测尝试独占，结束、出错或超时都必须关闭
type Session struct {
	conn   net.Conn
	reader *bufio.Reader
	Kind   Kind
	Target string // 隧道打开时指向的 host:port
}

// Close 关闭底层连接，可重复调用
func (s *Session) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// OpenTunnel 连接本地代理进程并完成指定协议的握手，
// 返回一条通往 targetHost:targetPort 的字节流。
// 握手的任何偏差（非 200 的 CONNECT 响应、非零的 SOCKS5 状态字节、
// 响应读取不完整）都视为失败并关闭底层连接。
func OpenTunnel(proxyAddr string, kind Kind, targetHost string, targetPort int, timeout time.Duration) (*Session, error) {
	conn, err := net.DialTimeout("tcp", proxyAddr, timeout)
	if err != nil {
		return nil, fmt.Errorf("连接代理 %s 失败: %w", proxyAddr, err)
	}
	_ = conn.SetDeadline(time.Now().Add(timeout))

	target := net.JoinHostPort(targetHost, strconv.Itoa(targetPort))
	s := &Session{conn: conn, reader: bufio.NewReader(conn), Kind: kind, Target: target}

	switch kind {
	case KindSOCKS5:
		err = s.handshakeSOCKS5(targetHost, targetPort)
	case KindHTTPConnect:
		err = s.handshakeConnect(target)
	default:
		err = fmt.Errorf("不支持的隧道协议: %s", kind)
	}
	if err != nil {
		conn.Close()
		return nil, err
	}

	// 握手完成后清除 deadline，后续操作各管各的超时
	_ = conn.SetDeadline(time.Time{})
	return s, nil
}

// handshakeSOCKS5 执行 RFC 1928 客户端握手：
// 问候要求无认证，CONNECT 请求以域名地址类型携带目标。
// 应答必须完整读出（定长头 + 按 ATYP 变长的绑定地址），
// 读不满是协议错误而不是超时。
func (s *Session) handshakeSOCKS5(targetHost string, targetPort int) error {
	// 问候: VER=5, NMETHODS=1, METHODS=[no-auth]
	if _, err := s.conn.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		return fmt.Errorf("写入 SOCKS5 问候失败: %w", err)
	}
	var sel [2]byte
	if _, err := io.ReadFull(s.reader, sel[:]); err != nil {
		return fmt.Errorf("读取方法选择失败: %w", err)
	}
	if sel[0] != 0x05 {
		return fmt.Errorf("SOCKS5 版本异常: 0x%02x", sel[0])
	}
	if sel[1] != 0x00 {
		return fmt.Errorf("代理未选择无认证方式: 0x%02x", sel[1])
	}

	// CONNECT 请求: VER, CMD=CONNECT, RSV, ATYP=domain, LEN, host, port(大端)
	if len(targetHost) > 255 {
		return fmt.Errorf("目标主机名过长: %d 字节", len(targetHost))
	}
	req := make([]byte, 0, 7+len(targetHost))
	req = append(req, 0x05, 0x01, 0x00, 0x03, byte(len(targetHost)))
	req = append(req, targetHost...)
	req = binary.BigEndian.AppendUint16(req, uint16(targetPort))
	if _, err := s.conn.Write(req); err != nil {
		return fmt.Errorf("写入 CONNECT 请求失败: %w", err)
	}

	// 应答: VER, REP, RSV, ATYP, BND.ADDR, BND.PORT
	var hdr [4]byte
	if _, err := io.ReadFull(s.reader, hdr[:]); err != nil {
		return fmt.Errorf("CONNECT 应答读取不完整: %w", err)
	}
	if hdr[0] != 0x05 {
		return fmt.Errorf("CONNECT 应答版本异常: 0x%02x", hdr[0])
	}
	if hdr[1] != 0x00 {
		return fmt.Errorf("SOCKS5 CONNECT 被拒绝: %s", repToString(hdr[1]))
	}

	// 按地址类型读完绑定地址和端口；短读即协议错误
	var bndLen int
	switch hdr[3] {
	case 0x01:
		bndLen = net.IPv4len
	case 0x04:
		bndLen = net.IPv6len
	case 0x03:
		var l [1]byte
		if _, err := io.ReadFull(s.reader, l[:]); err != nil {
			return fmt.Errorf("CONNECT 应答读取不完整: %w", err)
		}
		bndLen = int(l[0])
	default:
		return fmt.Errorf("CONNECT 应答地址类型异常: 0x%02x", hdr[3])
	}
	if _, err := io.CopyN(io.Discard, s.reader, int64(bndLen+2)); err != nil {
		return fmt.Errorf("CONNECT 应答读取不完整: %w", err)
	}

	return nil
}

// handshakeConnect 执行 HTTP CONNECT 握手，
// 读完响应头（到空行为止），状态行含 200 才算成功
func (s *Session) handshakeConnect(target string) error {
	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", target, target)
	if _, err := s.conn.Write([]byte(req)); err != nil {
		return fmt.Errorf("写入 CONNECT 请求失败: %w", err)
	}

	statusLine, err := s.reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("读取 CONNECT 状态行失败: %w", err)
	}
	ok := strings.Contains(statusLine, "200")

	// 不论成败都把响应头读到空行，避免把头部残留当成隧道数据
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if ok {
				return fmt.Errorf("读取 CONNECT 响应头失败: %w", err)
			}
			break
		}
		if line == "\r\n" || line == "\n" {
			break
		}
	}

	if !ok {
		return fmt.Errorf("HTTP CONNECT 被拒绝: %s", strings.TrimSpace(statusLine))
	}
	return nil
}

// UpgradeTLS 在已打开的隧道上叠加 TLS 客户端握手，
// SNI 使用逻辑目标主机名
func (s *Session) UpgradeTLS(serverName string, timeout time.Duration) error {
	tlsConn := tls.Client(s.conn, &tls.Config{
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	})
	_ = tlsConn.SetDeadline(time.Now().Add(timeout))
	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("隧道内 TLS 握手失败: %w", err)
	}
	_ = tlsConn.SetDeadline(time.Time{})
	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	return nil
}

// ValidateThroughProxy 通过隧道发出一个 GET 请求并测量首字节耗时。
// 返回 0 表示失败。不论成功、失败还是超时，会话都会被关闭。
func ValidateThroughProxy(s *Session, rawURL string, timeout time.Duration) time.Duration {
	defer s.Close()

	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return 0
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}

	_ = s.conn.SetDeadline(time.Now().Add(timeout))

	req := fmt.Sprintf("GET %s HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", path, u.Host)
	t0 := time.Now()
	if _, err := s.conn.Write([]byte(req)); err != nil {
		return 0
	}
	if _, err := s.reader.ReadByte(); err != nil {
		return 0
	}
	return time.Since(t0)
}

func repToString(rep byte) string {
	switch rep {
	case 0x01:
		return "general failure"
	case 0x02:
		return "connection not allowed"
	case 0x03:
		return "network unreachable"
	case 0x04:
		return "host unreachable"
	case 0x05:
		return "connection refused"
	case 0x06:
		return "TTL expired"
	case 0x07:
		return "command not supported"
	case 0x08:
		return "address type not supported"
	default:
		return fmt.Sprintf("unknown status 0x%02x", rep)
	}
}
