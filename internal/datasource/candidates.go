package datasource

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// LoadCandidatesFromFile 从指定路径的文件中读取候选地址段列表。
// 条目可以是 CIDR 也可以是裸地址（按主机路由处理）；
// 忽略空行和以 '#' 开头的注释行，并自动去重。
func LoadCandidatesFromFile(filePath string) ([]string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("无法打开候选列表文件 '%s': %w", filePath, err)
	}
	defer file.Close()

	seen := make(map[string]struct{})
	var candidates []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if _, exists := seen[line]; exists {
			continue
		}
		seen[line] = struct{}{}
		candidates = append(candidates, line)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("读取候选列表文件时出错: %w", err)
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("候选列表文件 '%s' 为空或未包含有效条目", filePath)
	}

	return candidates, nil
}
