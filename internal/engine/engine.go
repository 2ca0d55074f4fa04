package engine

import (
	"context"
	"fmt"
	"log"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"CDN_IP_Prober_Go/internal/config"
	"CDN_IP_Prober_Go/internal/datasource"
	"CDN_IP_Prober_Go/internal/locations"
	"CDN_IP_Prober_Go/internal/matcher"
	"CDN_IP_Prober_Go/internal/prober"
	"CDN_IP_Prober_Go/internal/ranker"
	"CDN_IP_Prober_Go/internal/tester"
	"CDN_IP_Prober_Go/internal/tunnel"
	"CDN_IP_Prober_Go/pkg/model"
)

// Summary 是一次完整运行的产物：
// Results 为最后一个非空阶段的排名结果，Ranges 为按来源网段聚合的统计。
type Summary struct {
	Results []model.ProbeOutcome `json:"Results"`
	Ranges  []model.RangeOutcome `json:"Ranges"`
}

// 各阶段的探测动作以函数形式注入，测试时可以替换
type probeFunc func(ctx context.Context, ip net.IP) prober.Result
type speedFunc func(ip net.IP) (*tester.SpeedTestResult, error)
type proxyFunc func(ctx context.Context, ip net.IP) (time.Duration, error)

// Engine 把配置和各阶段动作组装成一条流水线
type Engine struct {
	cfg      *config.Config
	regions  locations.RegionMap
	reporter Reporter

	probe probeFunc
	speed speedFunc
	proxy proxyFunc // nil 表示未启用代理验证阶段
}

// Run 启动完整的探测流水线
func Run(ctx context.Context, cfg *config.Config, candidatesPath, locationsPath, proxyTemplatePath, exeDir string, reporter Reporter) (*Summary, error) {
	if reporter == nil {
		reporter = LogReporter{}
	}

	// --- 1. 数据源 ---
	reporter.Phase("加载数据源")
	regionMap, err := locations.Load(locationsPath)
	if err != nil {
		return nil, fmt.Errorf("加载 locations.json 失败: %w", err)
	}

	refCacheFile := filepath.Join(exeDir, "ref-ips-ipv4.txt")
	if cfg.IPVersion == "ipv6" {
		refCacheFile = filepath.Join(exeDir, "ref-ips-ipv6.txt")
	}
	refRanges, err := datasource.LoadReferenceRanges(refCacheFile, cfg)
	if err != nil {
		return nil, fmt.Errorf("加载参考网段列表失败: %w", err)
	}

	candidates, err := datasource.LoadCandidatesFromFile(candidatesPath)
	if err != nil {
		return nil, fmt.Errorf("加载候选网段列表失败: %w", err)
	}

	p, err := prober.New(cfg)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		regions:  regionMap,
		reporter: reporter,
		probe:    p.Probe,
		speed: func(ip net.IP) (*tester.SpeedTestResult, error) {
			return tester.TestDownloadSpeed(ip, cfg.Port, cfg.SpeedTestURL,
				time.Duration(cfg.SpeedTestTimeoutS)*time.Second, cfg.SpeedTestRateLimitMB)
		},
	}
	if cfg.Proxy.Enabled {
		// 配置里指定了模板文件名时优先于默认路径，相对路径相对可执行文件目录
		if cfg.Proxy.Template != "" {
			proxyTemplatePath = cfg.Proxy.Template
			if !filepath.IsAbs(proxyTemplatePath) {
				proxyTemplatePath = filepath.Join(exeDir, proxyTemplatePath)
			}
		}
		launcher, err := tunnel.NewLauncher(cfg, proxyTemplatePath)
		if err != nil {
			return nil, err
		}
		e.proxy = launcher.Validate
	}

	return e.run(ctx, refRanges, candidates)
}

func (e *Engine) run(ctx context.Context, refRanges, candidates []string) (*Summary, error) {
	// --- 2. 网段分级 ---
	e.reporter.Phase("候选网段分级")
	selected := e.classify(refRanges, candidates)
	if len(selected) == 0 {
		return nil, fmt.Errorf("没有候选网段命中参考列表（模式: %s）", e.cfg.MatchMode)
	}

	targets := expandTargets(selected, e.cfg.SamplesPerRange)
	log.Printf("展开 %d 个网段，共 %d 个待测地址", len(selected), len(targets))

	// --- 3. 可达性与可信度探测 ---
	e.reporter.Phase("可达性探测")
	outcomes := e.runReachability(ctx, targets)
	ranges := ranker.AggregateRanges(outcomes, e.cfg.MinSuccessRate,
		time.Duration(e.cfg.MaxLatency)*time.Millisecond)
	stage1 := e.rankStage1(outcomes, ranges)
	if len(stage1) == 0 {
		log.Printf("没有地址通过可达性阶段，返回空结果")
		return &Summary{Results: nil, Ranges: ranges}, nil
	}

	// --- 4. 下载测速 ---
	e.reporter.Phase("下载测速")
	stage2 := e.runSpeedStage(stage1)
	if len(stage2) == 0 {
		log.Printf("没有地址通过测速阶段，回退到延迟排名结果")
		stage2 = stage1
	}

	// --- 5. 代理链路验证（可选） ---
	final := stage2
	if e.proxy != nil {
		e.reporter.Phase("代理链路验证")
		stage3 := e.runProxyStage(ctx, stage2)
		if len(stage3) == 0 {
			log.Printf("没有地址通过代理验证阶段，回退到测速排名结果")
		} else {
			final = stage3
		}
	}

	return &Summary{Results: final, Ranges: ranges}, nil
}

// classify 按配置的匹配模式筛选候选网段。
// IPv6 候选不做数值比对，直接放行。
func (e *Engine) classify(refRanges, candidates []string) []string {
	index := matcher.Build(refRanges)
	var selected []string
	for i, c := range candidates {
		var ok bool
		if _, isV4 := matcher.ParseRange(c); !isV4 {
			ok = true
		} else if e.cfg.MatchMode == "contain" {
			ok = index.ContainedIn(c)
		} else {
			ok = index.Overlaps(c)
		}
		if ok {
			selected = append(selected, c)
		}
		e.reporter.Advance(i+1, len(candidates), c, ok)
	}
	return selected
}

// runReachability 用固定大小的 worker 池并发探测所有待测地址。
// 每个地址恰好产出一条结果，失败原因折叠进 Reason 字段。
func (e *Engine) runReachability(ctx context.Context, targets []model.ProbeTarget) []model.ProbeOutcome {
	outcomes := make([]model.ProbeOutcome, len(targets))
	var done int32
	runPool(e.cfg.ProbeConcurrency, len(targets), func(i int) {
		t := targets[i]
		res := e.probe(ctx, t.Address)

		region := ""
		if res.Colo != "" {
			if r, ok := e.regions.GetRegion(res.Colo); ok {
				region = r
			} else {
				region = "Unknown"
			}
		}
		outcomes[i] = model.ProbeOutcome{
			Address:    t.Address,
			SourceCIDR: t.SourceCIDR,
			Reachable:  res.Reachable,
			Delay:      res.Delay,
			Verified:   res.Verified,
			Colo:       res.Colo,
			Region:     region,
			Reason:     res.Reason,
		}
		n := atomic.AddInt32(&done, 1)
		e.reporter.Advance(int(n), len(targets), t.Address.String(), res.Reachable && res.Verified)
	})
	return outcomes
}

// rankStage1 取出通过探测的地址并按延迟升序排名。
// 优先只保留达标网段内、延迟不超限的地址；若筛完为空则
// 回退到全部通过探测的地址。
func (e *Engine) rankStage1(outcomes []model.ProbeOutcome, ranges []model.RangeOutcome) []model.ProbeOutcome {
	accepted := ranker.Accepted(outcomes)
	ranker.SortByDelay(accepted)

	passing := make(map[string]bool, len(ranges))
	for _, r := range ranges {
		if r.Pass {
			passing[r.CIDR] = true
		}
	}
	var strict []model.ProbeOutcome
	for _, o := range accepted {
		if passing[o.SourceCIDR] {
			strict = append(strict, o)
		}
	}
	strict = ranker.FilterByDelay(strict, time.Duration(e.cfg.MaxLatency)*time.Millisecond)
	if len(strict) == 0 {
		if len(accepted) > 0 {
			log.Printf("没有地址落在达标网段内，回退到全部 %d 个通过探测的地址", len(accepted))
		}
		return accepted
	}
	return strict
}

// runSpeedStage 按延迟排名顺序做下载测速。
// 凑够 TopN 个达标地址后不再提交新的候选，已提交的任其完成；
// 达标结果按速度降序返回。
func (e *Engine) runSpeedStage(ranked []model.ProbeOutcome) []model.ProbeOutcome {
	target := e.cfg.TopN
	workers := e.cfg.SpeedTestConcurrency
	if workers < 1 {
		workers = 1
	}
	sem := make(chan struct{}, workers)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		qualified int32
		done      int32
		out       []model.ProbeOutcome
	)
	for i := range ranked {
		sem <- struct{}{}
		if target > 0 && atomic.LoadInt32(&qualified) >= int32(target) {
			<-sem
			break
		}
		wg.Add(1)
		go func(o model.ProbeOutcome) {
			defer func() {
				<-sem
				wg.Done()
			}()
			res, err := e.speed(o.Address)
			n := atomic.AddInt32(&done, 1)
			if err != nil {
				e.reporter.Advance(int(n), len(ranked), o.Address.String(), false)
				return
			}
			speedMBps := res.DownloadSpeed / 1024 / 1024
			if e.cfg.MinSpeed > 0 && speedMBps < e.cfg.MinSpeed {
				e.reporter.Advance(int(n), len(ranked), o.Address.String(), false)
				return
			}
			o.DownloadSpeed = res.DownloadSpeed
			if o.Colo == "" && res.Colo != "" {
				o.Colo = res.Colo
			}
			mu.Lock()
			out = append(out, o)
			mu.Unlock()
			atomic.AddInt32(&qualified, 1)
			e.reporter.Advance(int(n), len(ranked), o.Address.String(), true)
		}(ranked[i])
	}
	wg.Wait()

	ranker.SortBySpeed(out)
	if target > 0 && len(out) > target {
		out = out[:target]
	}
	return out
}

// runProxyStage 逐个拉起代理进程做端到端验证。
// 代理进程监听固定端口，同一时刻只能存在一个实例，因此串行执行；
// 凑够 Proxy.TopN 个即停止。
func (e *Engine) runProxyStage(ctx context.Context, ranked []model.ProbeOutcome) []model.ProbeOutcome {
	target := e.cfg.Proxy.TopN
	var out []model.ProbeOutcome
	for i, o := range ranked {
		if target > 0 && len(out) >= target {
			break
		}
		delay, err := e.proxy(ctx, o.Address)
		if err != nil {
			log.Printf("IP %s 代理验证失败: %v", o.Address, err)
			e.reporter.Advance(i+1, len(ranked), o.Address.String(), false)
			continue
		}
		o.ProxyDelay = delay
		out = append(out, o)
		e.reporter.Advance(i+1, len(ranked), o.Address.String(), true)
	}
	return out
}
