package tester

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/VividCortex/ewma"
	"golang.org/x/time/rate"
)

const userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_12_6) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/98.0.4758.80 Safari/537.36"

// SpeedTestResult 包含一次下载速度测试的结果
type SpeedTestResult struct {
	DownloadSpeed float64 // in B/s
	Colo          string
}

// TestDownloadSpeed 对单个候选 IP 进行下载速度测试。
// 连接被强制指向该 IP，URL 只提供主机名和路径。
func TestDownloadSpeed(ip net.IP, port int, testURL string, timeout time.Duration, rateLimitMB float64) (*SpeedTestResult, error) {
	client := &http.Client{
		Transport: &http.Transport{DialContext: getDialContext(ip, port)},
		Timeout:   timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > 10 { // 限制最多重定向 10 次
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
	req, err := http.NewRequest("GET", testURL, nil)
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	response, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("请求失败: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode != 200 {
		return nil, fmt.Errorf("无效的状态码: %d", response.StatusCode)
	}
	colo := getHeaderColo(response.Header)

	speed, err := measureBody(response.Body, response.ContentLength, timeout, rateLimitMB)
	if err != nil {
		return nil, err
	}
	return &SpeedTestResult{DownloadSpeed: speed, Colo: colo}, nil
}

// measureBody 在 timeout 时间内读取响应体并用指数滑动平均估算吞吐量。
// 把测速窗口切成 100 个时间片，每片结束时把该片的下载量喂给 EWMA，
// 下载太快提前结束时按比例折算最后一片。
func measureBody(body io.Reader, contentLength int64, timeout time.Duration, rateLimitMB float64) (float64, error) {
	// 如果设置了速率限制，则创建限速器（桶大小即速率上限，允许突发）
	var limiter *rate.Limiter
	if rateLimitMB > 0 {
		limit := rate.Limit(rateLimitMB * 1024 * 1024)
		limiter = rate.NewLimiter(limit, int(rateLimitMB*1024*1024))
	}

	var (
		timeStart       = time.Now()
		timeEnd         = timeStart.Add(timeout)
		timeSlice       = timeout / 100
		timeCounter     = 1
		contentRead     int64
		lastContentRead int64
	)
	nextTime := timeStart.Add(timeSlice * time.Duration(timeCounter))
	e := ewma.NewMovingAverage()
	buffer := make([]byte, 8192)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for contentLength != contentRead {
		currentTime := time.Now()
		if currentTime.After(nextTime) {
			timeCounter++
			nextTime = timeStart.Add(timeSlice * time.Duration(timeCounter))
			e.Add(float64(contentRead - lastContentRead))
			lastContentRead = contentRead
		}
		if currentTime.After(timeEnd) {
			break
		}

		if limiter != nil {
			if err := limiter.WaitN(ctx, len(buffer)); err != nil {
				break
			}
		}

		bufferRead, err := body.Read(buffer)
		contentRead += int64(bufferRead)
		if err != nil {
			if err != io.EOF {
				// 中途报错（如超时）则终止测速，用已有样本估算
				break
			}
			if contentLength == -1 {
				// 大小未知的文件提前读完会把平均值拉低，直接终止
				break
			}
			// 按最后一个不完整时间片的占比折算下载量
			lastSlice := timeStart.Add(timeSlice * time.Duration(timeCounter-1))
			e.Add(float64(contentRead-lastContentRead) / (float64(currentTime.Sub(lastSlice)) / float64(timeSlice)))
			break
		}
	}

	// B/s
	return e.Value() / (timeout.Seconds() / 120), nil
}
