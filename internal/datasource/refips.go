package datasource

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"CDN_IP_Prober_Go/internal/config"
)

const (
	// RefIPsV4URL Cloudflare IPv4 地址列表 URL
	RefIPsV4URL = "https://www.cloudflare.com/ips-v4"
	// RefIPsV6URL Cloudflare IPv6 地址列表 URL
	RefIPsV6URL = "https://www.cloudflare.com/ips-v6"
)

// LoadReferenceRanges 确保参考 CIDR 列表可用，并在本地缓存不存在时下载。
// 返回原始 CIDR 字符串列表，区间索引由 matcher 负责构建。
func LoadReferenceRanges(cachePath string, cfg *config.Config) ([]string, error) {
	if _, err := os.Stat(cachePath); os.IsNotExist(err) {
		fmt.Printf("本地缓存 '%s' 不存在，正在下载参考地址段列表...\n", cachePath)
		if err := downloadAndCacheRefIPs(cachePath, cfg); err != nil {
			return nil, fmt.Errorf("下载和缓存参考地址段失败: %w", err)
		}
		fmt.Println("下载并缓存成功。")
	}

	return LoadRangesFromFile(cachePath)
}

func downloadAndCacheRefIPs(filePath string, cfg *config.Config) error {
	url := cfg.ReferenceURL
	if url == "" {
		switch cfg.IPVersion {
		case "ipv6":
			url = RefIPsV6URL
		default:
			url = RefIPsV4URL
		}
	}

	data, err := downloadURL(url)
	if err != nil {
		return fmt.Errorf("下载参考列表失败: %w", err)
	}

	file, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("创建缓存文件失败: %w", err)
	}
	defer file.Close()

	if _, err = file.Write(data); err != nil {
		return fmt.Errorf("写入参考地址数据失败: %w", err)
	}

	return nil
}

func downloadURL(url string) ([]byte, error) {
	resp, err := http.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bad status: %s", resp.Status)
	}

	return io.ReadAll(resp.Body)
}

// LoadRangesFromFile 从文本文件读取 CIDR 列表，
// 每行一个，忽略空行和以 '#' 开头的注释行
func LoadRangesFromFile(filePath string) ([]string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("无法打开地址段文件 '%s': %w", filePath, err)
	}
	defer file.Close()

	var ranges []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ranges = append(ranges, line)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("读取地址段文件时出错: %w", err)
	}

	if len(ranges) == 0 {
		return nil, fmt.Errorf("地址段文件 '%s' 中未找到有效条目", filePath)
	}

	return ranges, nil
}
