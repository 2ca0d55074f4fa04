package output

import (
	"encoding/csv"
	"fmt"
	"os"

	"CDN_IP_Prober_Go/pkg/model"
)

// WriteCSVFile 将最终结果列表写入到指定的 CSV 文件中
func WriteCSVFile(filePath string, results []model.ProbeOutcome) error {
	file, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("无法创建 CSV 文件 '%s': %w", filePath, err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// 写入表头
	header := []string{
		"IP Address",
		"Source CIDR",
		"Delay (ms)",
		"Verified",
		"Colo",
		"Region",
		"Download Speed (MB/s)",
		"Proxy Delay (ms)",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("写入 CSV 表头失败: %w", err)
	}

	// 写入数据行
	for _, r := range results {
		row := []string{
			r.Address.String(),
			r.SourceCIDR,
			fmt.Sprintf("%.2f", float64(r.Delay.Nanoseconds())/1000000.0),
			fmt.Sprintf("%t", r.Verified),
			r.Colo,
			r.Region,
			fmt.Sprintf("%.2f", r.DownloadSpeed/1024.0/1024.0),
			fmt.Sprintf("%.2f", float64(r.ProxyDelay.Nanoseconds())/1000000.0),
		}
		if err := writer.Write(row); err != nil {
			// 记录错误但继续尝试写入其他行
			fmt.Fprintf(os.Stderr, "警告: 写入 CSV 行失败: %v\n", err)
		}
	}

	return writer.Error()
}

// WriteRangeCSVFile 将按网段聚合的统计写入 CSV 文件
func WriteRangeCSVFile(filePath string, ranges []model.RangeOutcome) error {
	file, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("无法创建 CSV 文件 '%s': %w", filePath, err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"CIDR", "Samples", "Successes", "Success Rate", "Mean Delay (ms)", "Pass"}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("写入 CSV 表头失败: %w", err)
	}
	for _, r := range ranges {
		row := []string{
			r.CIDR,
			fmt.Sprintf("%d", r.Samples),
			fmt.Sprintf("%d", r.Successes),
			fmt.Sprintf("%.2f", r.SuccessRate),
			fmt.Sprintf("%.2f", float64(r.MeanDelay.Nanoseconds())/1000000.0),
			fmt.Sprintf("%t", r.Pass),
		}
		if err := writer.Write(row); err != nil {
			fmt.Fprintf(os.Stderr, "警告: 写入 CSV 行失败: %v\n", err)
		}
	}
	return writer.Error()
}
