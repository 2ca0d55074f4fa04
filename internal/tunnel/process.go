package tunnel

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"strconv"
	"time"

	"CDN_IP_Prober_Go/internal/config"
)

// Launcher 驱动端到端代理验证：读取代理进程配置模板，
// 把出站目标地址改写为候选 IP，拉起进程并等端口就绪，
// 然后通过隧道发请求测首字节耗时。
// 每次尝试的临时配置文件和进程在任何退出路径上都会被清理。
type Launcher struct {
	binary       string
	templatePath string
	kind         Kind
	listenHost   string
	listenPort   int
	validateURL  string
	targetHost   string
	targetPort   int
	useTLS       bool
	timeout      time.Duration
	startWait    time.Duration
	pollDelay    time.Duration
}

// NewLauncher 解析一次模板并校验入站配置。
// 模板缺少可用入站、或入站声明了认证，都属于配置错误，
// 在任何探测开始前直接失败。
func NewLauncher(cfg *config.Config, templatePath string) (*Launcher, error) {
	doc, err := loadTemplate(templatePath)
	if err != nil {
		return nil, err
	}
	host, port, err := usableInbound(doc, cfg.Proxy.Kind)
	if err != nil {
		return nil, err
	}

	u, err := url.Parse(cfg.Proxy.ValidateURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("无法解析 proxy.validate_url '%s': %v", cfg.Proxy.ValidateURL, err)
	}
	useTLS := u.Scheme == "https"
	targetPort := 80
	if useTLS {
		targetPort = 443
	}
	if p := u.Port(); p != "" {
		targetPort, _ = strconv.Atoi(p)
	}

	return &Launcher{
		binary:       cfg.Proxy.Binary,
		templatePath: templatePath,
		kind:         Kind(cfg.Proxy.Kind),
		listenHost:   host,
		listenPort:   port,
		validateURL:  cfg.Proxy.ValidateURL,
		targetHost:   u.Hostname(),
		targetPort:   targetPort,
		useTLS:       useTLS,
		timeout:      time.Duration(cfg.Proxy.TimeoutMS) * time.Millisecond,
		startWait:    time.Duration(cfg.Proxy.StartWaitMS) * time.Millisecond,
		pollDelay:    time.Duration(cfg.Proxy.PollDelayMS) * time.Millisecond,
	}, nil
}

// Validate 对单个候选 IP 执行一次完整的端到端验证，
// 返回首字节耗时，0 表示失败
func (l *Launcher) Validate(ctx context.Context, ip net.IP) (time.Duration, error) {
	inst, err := l.start(ctx, ip)
	if err != nil {
		return 0, err
	}
	defer inst.stop()

	sess, err := OpenTunnel(inst.addr, l.kind, l.targetHost, l.targetPort, l.timeout)
	if err != nil {
		return 0, err
	}
	if l.useTLS {
		if err := sess.UpgradeTLS(l.targetHost, l.timeout); err != nil {
			sess.Close()
			return 0, err
		}
	}

	ttfb := ValidateThroughProxy(sess, l.validateURL, l.timeout)
	if ttfb == 0 {
		return 0, fmt.Errorf("通过隧道请求 %s 无响应", l.validateURL)
	}
	return ttfb, nil
}

// instance 是一次尝试的代理进程与临时配置文件
type instance struct {
	addr    string
	cmd     *exec.Cmd
	tmpPath string
}

// start 改写模板、写入唯一临时文件、拉起代理进程并轮询端口就绪
func (l *Launcher) start(ctx context.Context, ip net.IP) (*instance, error) {
	doc, err := loadTemplate(l.templatePath)
	if err != nil {
		return nil, err
	}
	rewriteOutbounds(doc, ip.String())

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("序列化代理配置失败: %w", err)
	}

	tmp, err := os.CreateTemp("", "proxycfg-*.json")
	if err != nil {
		return nil, fmt.Errorf("创建临时配置文件失败: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("写入临时配置文件失败: %w", err)
	}
	tmp.Close()

	cmd := exec.CommandContext(ctx, l.binary, "-c", tmpPath)
	if err := cmd.Start(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("启动代理进程失败: %w", err)
	}

	inst := &instance{
		addr:    net.JoinHostPort(l.listenHost, strconv.Itoa(l.listenPort)),
		cmd:     cmd,
		tmpPath: tmpPath,
	}

	if err := l.waitReady(ctx, inst.addr); err != nil {
		inst.stop()
		return nil, err
	}
	return inst, nil
}

// waitReady 轮询本地入站端口直到可以建立连接，受 start_wait 上限约束
func (l *Launcher) waitReady(ctx context.Context, addr string) error {
	deadline := time.Now().Add(l.startWait)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		conn, err := net.DialTimeout("tcp", addr, l.pollDelay)
		if err == nil {
			conn.Close()
			return nil
		}
		time.Sleep(l.pollDelay)
	}
	return fmt.Errorf("代理进程在 %v 内未监听 %s", l.startWait, addr)
}

// stop 终止进程并删除临时配置文件，可安全重复调用
func (i *instance) stop() {
	if i.cmd != nil && i.cmd.Process != nil {
		_ = i.cmd.Process.Kill()
		_ = i.cmd.Wait()
		i.cmd = nil
	}
	if i.tmpPath != "" {
		_ = os.Remove(i.tmpPath)
		i.tmpPath = ""
	}
}

func loadTemplate(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("无法读取代理配置模板 '%s': %w", path, err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("解析代理配置模板失败: %w", err)
	}
	return doc, nil
}

// usableInbound 在模板中找到协议匹配的入站监听。
// 声明了认证或账号的入站不受支持，视为配置错误。
func usableInbound(doc map[string]any, wantProtocol string) (string, int, error) {
	inbounds, _ := doc["inbounds"].([]any)
	for _, raw := range inbounds {
		in, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		protocol, _ := in["protocol"].(string)
		if protocol != wantProtocol {
			continue
		}

		if settings, ok := in["settings"].(map[string]any); ok {
			if auth, _ := settings["auth"].(string); auth != "" && auth != "noauth" {
				return "", 0, fmt.Errorf("入站声明了认证方式 '%s'，不受支持", auth)
			}
			if accounts, ok := settings["accounts"].([]any); ok && len(accounts) > 0 {
				return "", 0, fmt.Errorf("入站声明了账号凭据，不受支持")
			}
		}

		host, _ := in["listen"].(string)
		if host == "" {
			host = "127.0.0.1"
		}
		port, ok := in["port"].(float64)
		if !ok || port <= 0 || port > 65535 {
			return "", 0, fmt.Errorf("入站缺少有效端口")
		}
		return host, int(port), nil
	}
	return "", 0, fmt.Errorf("模板中没有协议为 '%s' 的可用入站", wantProtocol)
}

// rewriteOutbounds 把每个出站的目标地址字段改写为候选 IP。
// 兼容 vnext（vmess/vless 类）和 servers（trojan/ss 类）两种出站结构。
func rewriteOutbounds(doc map[string]any, ip string) {
	outbounds, _ := doc["outbounds"].([]any)
	for _, raw := range outbounds {
		out, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		settings, ok := out["settings"].(map[string]any)
		if !ok {
			continue
		}
		for _, key := range []string{"vnext", "servers"} {
			entries, _ := settings[key].([]any)
			for _, e := range entries {
				if m, ok := e.(map[string]any); ok {
					if _, has := m["address"]; has {
						m["address"] = ip
					}
				}
			}
		}
	}
}
