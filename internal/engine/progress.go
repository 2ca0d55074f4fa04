package engine

import "log"

// Reporter 是流水线的进度观察接口。
// 探测逻辑只通过它上报阶段切换和单项完成情况，
// 渲染方式（日志、进度条、WebSocket）完全由调用方决定。
type Reporter interface {
	// Phase 在流水线进入新阶段时调用
	Phase(name string)
	// Advance 在每个候选项到达终态时调用
	Advance(done, total int, id string, ok bool)
}

// LogReporter 把进度写到标准日志，命令行模式的默认实现
type LogReporter struct{}

func (LogReporter) Phase(name string) {
	log.Printf("--- %s ---", name)
}

func (LogReporter) Advance(done, total int, id string, ok bool) {
	status := "通过"
	if !ok {
		status = "未通过"
	}
	log.Printf("[%d/%d] %s: %s", done, total, id, status)
}

// NopReporter 丢弃所有进度事件，测试用
type NopReporter struct{}

func (NopReporter) Phase(string)                 {}
func (NopReporter) Advance(int, int, string, bool) {}
