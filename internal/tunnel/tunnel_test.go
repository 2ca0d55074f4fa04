package tunnel

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// fakeProxy 起一个本地假代理，handler 处理每条连接；
// closed 计数器用于断言服务端观察到的连接关闭次数
type fakeProxy struct {
	addr   string
	closed *atomic.Int32
}

func startFakeProxy(t *testing.T, handler func(net.Conn)) *fakeProxy {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("无法启动假代理: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	closed := &atomic.Int32{}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				handler(c)
				// handler 返回后等对端关闭，再计数
				_, _ = io.Copy(io.Discard, c)
				c.Close()
				closed.Add(1)
			}(conn)
		}
	}()
	return &fakeProxy{addr: ln.Addr().String(), closed: closed}
}

func socks5Handler(rep byte) func(net.Conn) {
	return func(conn net.Conn) {
		var greeting [3]byte
		if _, err := io.ReadFull(conn, greeting[:]); err != nil {
			return
		}
		conn.Write([]byte{0x05, 0x00})

		// 读 CONNECT 请求头和域名地址
		var hdr [5]byte
		if _, err := io.ReadFull(conn, hdr[:]); err != nil {
			return
		}
		rest := make([]byte, int(hdr[4])+2)
		if _, err := io.ReadFull(conn, rest); err != nil {
			return
		}

		// 应答: 绑定地址用 0.0.0.0:0
		conn.Write([]byte{0x05, rep, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
	}
}

func TestSOCKS5HandshakeSuccess(t *testing.T) {
	proxy := startFakeProxy(t, socks5Handler(0x00))

	sess, err := OpenTunnel(proxy.addr, KindSOCKS5, "example.com", 443, time.Second)
	if err != nil {
		t.Fatalf("握手应当成功: %v", err)
	}
	defer sess.Close()

	if sess.Kind != KindSOCKS5 {
		t.Errorf("Kind = %q, want %q", sess.Kind, KindSOCKS5)
	}
	if sess.Target != "example.com:443" {
		t.Errorf("Target = %q", sess.Target)
	}
}

func TestSOCKS5NonZeroStatusClosesSocket(t *testing.T) {
	proxy := startFakeProxy(t, socks5Handler(0x05)) // connection refused

	sess, err := OpenTunnel(proxy.addr, KindSOCKS5, "example.com", 443, time.Second)
	if err == nil {
		sess.Close()
		t.Fatal("非零状态字节应当导致握手失败")
	}
	if !strings.Contains(err.Error(), "refused") {
		t.Errorf("错误信息应包含拒绝原因: %v", err)
	}

	// 客户端必须已关闭连接，不泄漏描述符
	deadline := time.Now().Add(time.Second)
	for proxy.closed.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if proxy.closed.Load() != 1 {
		t.Errorf("服务端观察到 %d 次连接关闭，want 1", proxy.closed.Load())
	}
}

func TestSOCKS5ShortReplyIsProtocolError(t *testing.T) {
	// 服务端只回了半条应答就关闭连接：短读是协议错误而不是超时
	proxy := startFakeProxy(t, func(conn net.Conn) {
		var greeting [3]byte
		io.ReadFull(conn, greeting[:])
		conn.Write([]byte{0x05, 0x00})
		var hdr [5]byte
		io.ReadFull(conn, hdr[:])
		rest := make([]byte, int(hdr[4])+2)
		io.ReadFull(conn, rest)
		conn.Write([]byte{0x05, 0x00, 0x00}) // 截断的应答
		conn.Close()
	})

	_, err := OpenTunnel(proxy.addr, KindSOCKS5, "example.com", 443, time.Second)
	if err == nil {
		t.Fatal("截断的应答应当导致握手失败")
	}
	if !strings.Contains(err.Error(), "不完整") {
		t.Errorf("错误应标明应答不完整: %v", err)
	}
}

func connectHandler(status string) func(net.Conn) {
	return func(conn net.Conn) {
		reader := bufio.NewReader(conn)
		for {
			line, err := reader.ReadString('\n')
			if err != nil || line == "\r\n" || line == "\n" {
				break
			}
		}
		fmt.Fprintf(conn, "HTTP/1.1 %s\r\n\r\n", status)
	}
}

func TestHTTPConnectSuccess(t *testing.T) {
	proxy := startFakeProxy(t, connectHandler("200 Connection established"))

	sess, err := OpenTunnel(proxy.addr, KindHTTPConnect, "example.com", 443, time.Second)
	if err != nil {
		t.Fatalf("CONNECT 握手应当成功: %v", err)
	}
	sess.Close()
}

func TestHTTPConnectAuthRequiredIsFailure(t *testing.T) {
	proxy := startFakeProxy(t, connectHandler("407 Proxy Authentication Required"))

	sess, err := OpenTunnel(proxy.addr, KindHTTPConnect, "example.com", 443, time.Second)
	if err == nil {
		sess.Close()
		t.Fatal("407 响应必须判为失败")
	}
	if !strings.Contains(err.Error(), "407") {
		t.Errorf("错误信息应包含状态行: %v", err)
	}
}

func TestValidateThroughProxyMeasuresTTFB(t *testing.T) {
	// CONNECT 成功后继续在同一连接上应答隧道内的 GET
	proxy := startFakeProxy(t, func(conn net.Conn) {
		connectHandler("200 OK")(conn)
		reader := bufio.NewReader(conn)
		for {
			line, err := reader.ReadString('\n')
			if err != nil || line == "\r\n" || line == "\n" {
				break
			}
		}
		fmt.Fprint(conn, "HTTP/1.1 204 No Content\r\n\r\n")
	})

	sess, err := OpenTunnel(proxy.addr, KindHTTPConnect, "example.com", 80, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	ttfb := ValidateThroughProxy(sess, "http://example.com/generate_204", time.Second)
	if ttfb <= 0 {
		t.Fatal("TTFB 应当大于 0")
	}
	// ValidateThroughProxy 在所有路径上关闭会话
	if sess.conn != nil {
		t.Error("会话在验证后应当已关闭")
	}
}

func TestValidateThroughProxySilentTargetFails(t *testing.T) {
	proxy := startFakeProxy(t, func(conn net.Conn) {
		connectHandler("200 OK")(conn)
		// 隧道打开后不再应答
		time.Sleep(2 * time.Second)
	})

	sess, err := OpenTunnel(proxy.addr, KindHTTPConnect, "example.com", 80, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	ttfb := ValidateThroughProxy(sess, "http://example.com/", 300*time.Millisecond)
	if ttfb != 0 {
		t.Errorf("静默目标的验证应返回 0，得到 %v", ttfb)
	}
	if sess.conn != nil {
		t.Error("超时路径上会话也应当已关闭")
	}
}

const testTemplate = `{
  "inbounds": [
    {"protocol": "socks", "listen": "127.0.0.1", "port": 10808, "settings": {"auth": "noauth", "udp": false}}
  ],
  "outbounds": [
    {"protocol": "vless", "settings": {"vnext": [{"address": "origin.example.com", "port": 443, "users": []}]}},
    {"protocol": "trojan", "settings": {"servers": [{"address": "origin.example.com", "port": 443}]}}
  ]
}`

func writeTemplate(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "template.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestUsableInbound(t *testing.T) {
	path := writeTemplate(t, testTemplate)
	doc, err := loadTemplate(path)
	if err != nil {
		t.Fatal(err)
	}
	host, port, err := usableInbound(doc, "socks")
	if err != nil {
		t.Fatal(err)
	}
	if host != "127.0.0.1" || port != 10808 {
		t.Errorf("入站 = %s:%d", host, port)
	}

	if _, _, err := usableInbound(doc, "http"); err == nil {
		t.Error("模板中没有 http 入站，应当报错")
	}
}

func TestInboundWithAuthRejected(t *testing.T) {
	withAuth := `{"inbounds":[{"protocol":"socks","listen":"127.0.0.1","port":1080,
		"settings":{"auth":"password","accounts":[{"user":"u","pass":"p"}]}}],"outbounds":[]}`
	doc, err := loadTemplate(writeTemplate(t, withAuth))
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := usableInbound(doc, "socks"); err == nil {
		t.Error("声明认证的入站必须被拒绝")
	}
}

func TestRewriteOutbounds(t *testing.T) {
	doc, err := loadTemplate(writeTemplate(t, testTemplate))
	if err != nil {
		t.Fatal(err)
	}
	rewriteOutbounds(doc, "203.0.113.7")

	data, _ := json.Marshal(doc)
	s := string(data)
	if strings.Contains(s, "origin.example.com") {
		t.Error("所有出站目标地址都应被改写")
	}
	if strings.Count(s, "203.0.113.7") != 2 {
		t.Errorf("应改写 2 处出站地址: %s", s)
	}
}
