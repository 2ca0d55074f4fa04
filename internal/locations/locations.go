package locations

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// RegionMap 存储数据中心 IATA 代码到大区的映射，
// trace 验证提取出 colo 后用它给结果标注区域
type RegionMap map[string]string

// Load 从 JSON 文件加载数据中心位置表
func Load(filePath string) (RegionMap, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("无法读取位置文件 '%s': %w", filePath, err)
	}

	type entry struct {
		IATA   string `json:"iata"`
		Region string `json:"region"`
	}

	var entries []entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("解析位置文件 JSON 失败: %w", err)
	}

	rm := make(RegionMap)
	for _, e := range entries {
		if e.IATA != "" && e.Region != "" {
			rm[e.IATA] = e.Region
		}
	}

	return rm, nil
}

// GetRegion 根据 IATA 代码查找大区；找不到时返回 ok=false
func (rm RegionMap) GetRegion(iataCode string) (string, bool) {
	region, ok := rm[iataCode]
	return region, ok
}

// Regions 返回去重排序后的大区列表，供 Web 界面展示筛选项
func (rm RegionMap) Regions() []string {
	seen := make(map[string]bool)
	var regions []string
	for _, region := range rm {
		if !seen[region] {
			seen[region] = true
			regions = append(regions, region)
		}
	}
	sort.Strings(regions)
	return regions
}
