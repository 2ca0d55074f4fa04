package main

import (
	"context"
	_ "embed"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"CDN_IP_Prober_Go/internal/config"
	"CDN_IP_Prober_Go/internal/engine"
	"CDN_IP_Prober_Go/internal/output"
	"CDN_IP_Prober_Go/internal/server"
)

//go:embed default_config.yaml
var defaultConfigData []byte

//go:embed locations.json
var defaultLocationsData []byte

//go:embed candidate_ranges.txt
var defaultCandidatesData []byte

//go:embed proxy_template.json
var defaultProxyTemplateData []byte

// ensureFile 检查文件是否存在于可执行文件目录，如果不存在，则使用提供的默认数据创建它。
func ensureFile(fileName string, defaultData []byte) (string, error) {
	exePath, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("无法获取可执行文件路径: %w", err)
	}
	exeDir := filepath.Dir(exePath)
	filePath := filepath.Join(exeDir, fileName)

	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		if err := os.WriteFile(filePath, defaultData, 0644); err != nil {
			return "", fmt.Errorf("无法写入默认文件 %s: %w", fileName, err)
		}
		log.Printf("首次运行，已在 %s 生成默认 %s 文件", exeDir, fileName)
	} else if err != nil {
		return "", fmt.Errorf("检查文件 %s 时出错: %w", fileName, err)
	}
	return filePath, nil
}

func main() {
	// 定义命令行标志
	cliMode := flag.Bool("cli", false, "以命令行模式运行")
	flag.Parse()

	// 确保所有必需的文件都存在
	cfgPath, err := ensureFile("config.yaml", defaultConfigData)
	if err != nil {
		log.Fatalf("初始化配置文件失败: %v", err)
	}
	locationsPath, err := ensureFile("locations.json", defaultLocationsData)
	if err != nil {
		log.Fatalf("初始化 locations.json 失败: %v", err)
	}
	candidatesPath, err := ensureFile("candidate_ranges.txt", defaultCandidatesData)
	if err != nil {
		log.Fatalf("初始化 candidate_ranges.txt 失败: %v", err)
	}
	proxyTemplatePath, err := ensureFile("proxy_template.json", defaultProxyTemplateData)
	if err != nil {
		log.Fatalf("初始化 proxy_template.json 失败: %v", err)
	}

	exeDir := filepath.Dir(cfgPath)

	if *cliMode {
		// --- 命令行模式 ---
		runCli(cfgPath, locationsPath, candidatesPath, proxyTemplatePath, exeDir)
	} else {
		// --- Web 服务器模式 (默认) ---
		server.Start(8080, cfgPath, locationsPath, candidatesPath, proxyTemplatePath, exeDir)
	}
}

// runCli 包含命令行模式的执行逻辑
func runCli(cfgPath, locationsPath, candidatesPath, proxyTemplatePath, exeDir string) {
	log.Println("--- 以命令行模式运行 ---")

	// 1. 加载配置，配置不合法直接终止
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		log.Fatalf("加载配置文件失败: %v", err)
	}
	log.Printf("配置加载成功：匹配模式=%s, 每网段采样数=%d", cfg.MatchMode, cfg.SamplesPerRange)

	// 2. 运行探测引擎
	summary, err := engine.Run(context.Background(), cfg, candidatesPath, locationsPath, proxyTemplatePath, exeDir, engine.LogReporter{})
	if err != nil {
		log.Fatalf("引擎运行时出错: %v", err)
	}

	// 3. 写入结果
	log.Println("写入结果文件...")
	ipVersion := cfg.IPVersion
	if ipVersion == "" {
		ipVersion = "ipv4"
	}
	resultJSONFile := filepath.Join(exeDir, fmt.Sprintf("result_%s.json", ipVersion))
	resultCSVFile := filepath.Join(exeDir, fmt.Sprintf("result_%s.csv", ipVersion))
	rangeCSVFile := filepath.Join(exeDir, fmt.Sprintf("ranges_%s.csv", ipVersion))

	if err := output.WriteJSONFile(resultJSONFile, summary.Results); err != nil {
		log.Fatalf("写入 result.json 失败: %v", err)
	}
	if err := output.WriteCSVFile(resultCSVFile, summary.Results); err != nil {
		log.Fatalf("写入 result.csv 失败: %v", err)
	}
	if err := output.WriteRangeCSVFile(rangeCSVFile, summary.Ranges); err != nil {
		log.Fatalf("写入 ranges.csv 失败: %v", err)
	}
	log.Printf("结果已成功写入 %s、%s 和 %s", resultJSONFile, resultCSVFile, rangeCSVFile)

	log.Println("--- 所有任务已完成 ---")
}
