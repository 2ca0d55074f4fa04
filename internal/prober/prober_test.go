package prober

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"CDN_IP_Prober_Go/internal/config"
)

func testConfig(port, timeoutMS int, verifyMode string) *config.Config {
	return &config.Config{
		Port:           port,
		ProbeTimeoutMS: timeoutMS,
		UseTLS:         false,
		Hostname:       "example.com",
		VerifyMode:     verifyMode,
		VerifyURL:      "http://example.com/cdn-cgi/trace",
	}
}

// 起一个本地 TCP 服务，handler 为 nil 时接受连接后什么都不写
func startServer(t *testing.T, handler func(net.Conn)) (net.IP, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("无法启动测试服务: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			if handler == nil {
				continue // 保持连接打开但不响应
			}
			go handler(conn)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP, addr.Port
}

// 找一个当前没有监听的本地端口
func unusedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("无法分配端口: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestProbeNonListeningPort(t *testing.T) {
	port := unusedPort(t)
	p, err := New(testConfig(port, 500, "off"))
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	res := p.Probe(context.Background(), net.ParseIP("127.0.0.1"))
	elapsed := time.Since(start)

	if res.Reachable {
		t.Error("对未监听端口的探测应当不可达")
	}
	if res.Delay != 0 {
		t.Errorf("失败探测的延迟应为 0，得到 %v", res.Delay)
	}
	// 超时 500ms 加调度容差，绝不能挂起
	if elapsed > 2*time.Second {
		t.Errorf("探测耗时 %v，超出超时预算", elapsed)
	}
}

func TestProbeSilentServer(t *testing.T) {
	// 接受连接但从不写数据的服务：验证阶段应超时被拒，
	// 而关闭验证时同一地址应当被接受
	ip, port := startServer(t, nil)

	withVerify, err := New(testConfig(port, 300, "trace"))
	if err != nil {
		t.Fatal(err)
	}
	res := withVerify.Probe(context.Background(), ip)
	if !res.Reachable {
		t.Error("静默服务在 TCP 层应当可达")
	}
	if res.Verified {
		t.Error("静默服务不应通过验证")
	}
	if res.Reason != "timeout" {
		t.Errorf("失败原因应为 timeout，得到 %q", res.Reason)
	}

	noVerify, err := New(testConfig(port, 300, "off"))
	if err != nil {
		t.Fatal(err)
	}
	res = noVerify.Probe(context.Background(), ip)
	if !res.Reachable || !res.Verified {
		t.Error("关闭验证时静默服务应当被接受")
	}
	if res.Delay <= 0 {
		t.Error("成功探测应记录连接建立耗时")
	}
}

func httpHandler(status string, body string) func(net.Conn) {
	return func(conn net.Conn) {
		defer conn.Close()
		reader := bufio.NewReader(conn)
		for {
			line, err := reader.ReadString('\n')
			if err != nil || line == "\r\n" || line == "\n" {
				break
			}
		}
		fmt.Fprintf(conn, "HTTP/1.1 %s\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s", status, len(body), body)
	}
}

func TestVerifyTrace(t *testing.T) {
	body := "fl=1f1\nh=example.com\nip=203.0.113.9\tts=1\ncolo=SJC\nhttp=http/1.1\n"
	ip, port := startServer(t, httpHandler("200 OK", body))

	p, err := New(testConfig(port, 1000, "trace"))
	if err != nil {
		t.Fatal(err)
	}
	res := p.Probe(context.Background(), ip)
	if !res.Reachable || !res.Verified {
		t.Fatalf("trace 响应应当通过验证: %+v", res)
	}
	if res.Colo != "SJC" {
		t.Errorf("colo = %q, want SJC", res.Colo)
	}
}

func TestVerifyTraceMissingMarkers(t *testing.T) {
	// 响应体缺少 colo 标记：连接成功但验证不通过
	ip, port := startServer(t, httpHandler("200 OK", "ip=203.0.113.9\nhttp=http/1.1\n"))

	p, err := New(testConfig(port, 1000, "trace"))
	if err != nil {
		t.Fatal(err)
	}
	res := p.Probe(context.Background(), ip)
	if !res.Reachable {
		t.Fatal("TCP 层应当可达")
	}
	if res.Verified {
		t.Error("缺少标记的响应不应通过验证")
	}
	if res.Reason != "verify" {
		t.Errorf("失败原因应为 verify，得到 %q", res.Reason)
	}
}

func TestVerifyGeneric(t *testing.T) {
	tests := []struct {
		status   string
		verified bool
	}{
		{"200 OK", true},
		{"301 Moved Permanently", true},
		{"404 Not Found", true}, // generic 模式只要求语法合法的状态行
		{"599 Whatever", true},
		{"999 Bogus", false},
	}
	for _, tt := range tests {
		ip, port := startServer(t, httpHandler(tt.status, ""))
		p, err := New(testConfig(port, 1000, "generic"))
		if err != nil {
			t.Fatal(err)
		}
		res := p.Probe(context.Background(), ip)
		if res.Verified != tt.verified {
			t.Errorf("状态 %q: Verified = %v, want %v", tt.status, res.Verified, tt.verified)
		}
	}
}

func TestVerifyGenericMalformedStatusLine(t *testing.T) {
	ip, port := startServer(t, func(conn net.Conn) {
		defer conn.Close()
		fmt.Fprint(conn, "this is not http\r\n")
	})
	p, err := New(testConfig(port, 1000, "generic"))
	if err != nil {
		t.Fatal(err)
	}
	res := p.Probe(context.Background(), ip)
	if res.Verified {
		t.Error("畸形状态行不应通过验证")
	}
	if res.Reason != "protocol" {
		t.Errorf("失败原因应为 protocol，得到 %q", res.Reason)
	}
}
