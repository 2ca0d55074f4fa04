package server

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"gopkg.in/yaml.v3"

	"CDN_IP_Prober_Go/internal/config"
	"CDN_IP_Prober_Go/internal/engine"
	"CDN_IP_Prober_Go/internal/locations"
	"CDN_IP_Prober_Go/internal/output"
)

//go:embed web
var embeddedFS embed.FS

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins
	},
}

// 同一时刻只允许一个探测任务在跑，代理验证阶段会占用固定端口
var runBusy int32

// Start 启动 Web 服务器
func Start(port int, cfgPath, locationsPath, candidatesPath, proxyTemplatePath, exeDir string) {
	// Create a sub-filesystem to remove the "web" prefix
	staticFS, err := fs.Sub(embeddedFS, "web")
	if err != nil {
		log.Fatalf("Failed to create sub filesystem: %v", err)
	}

	http.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticFS))))
	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		f, err := staticFS.Open("index.html")
		if err != nil {
			http.Error(w, "index.html not found", http.StatusInternalServerError)
			return
		}
		defer f.Close()

		content, err := io.ReadAll(f)
		if err != nil {
			http.Error(w, "failed to read index.html", http.StatusInternalServerError)
			return
		}
		http.ServeContent(w, r, "index.html", time.Now(), bytes.NewReader(content))
	})

	http.HandleFunc("/api/config", handleConfig(cfgPath))
	http.HandleFunc("/api/locations", handleLocations(locationsPath))
	http.HandleFunc("/ws/run", handleWebSocket(cfgPath, locationsPath, candidatesPath, proxyTemplatePath, exeDir))

	addr := fmt.Sprintf("0.0.0.0:%d", port)
	log.Printf("服务器正在启动，请在浏览器中打开 http://%s", addr)

	// 尝试在默认浏览器中打开 URL
	go openBrowser(fmt.Sprintf("http://%s", addr))

	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatalf("服务器启动失败: %v", err)
	}
}

func handleConfig(cfgPath string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case "GET":
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				http.Error(w, "Failed to load config", http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(cfg)
		case "POST":
			var newConfig map[string]interface{}
			if err := json.NewDecoder(r.Body).Decode(&newConfig); err != nil {
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
			if err := saveConfigWithComments(cfgPath, newConfig); err != nil {
				http.Error(w, fmt.Sprintf("Failed to save config: %v", err), http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusOK)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

func handleLocations(locationsPath string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		locs, err := locations.Load(locationsPath)
		if err != nil {
			http.Error(w, "Failed to load locations", http.StatusInternalServerError)
			return
		}

		colos := make([]string, 0, len(locs))
		for colo := range locs {
			colos = append(colos, colo)
		}
		sort.Strings(colos)

		data := struct {
			Regions []string `json:"Regions"`
			Colos   []string `json:"Colos"`
		}{
			Regions: locs.Regions(),
			Colos:   colos,
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(data)
	}
}

// WebSocketMessage 是推给前端的统一消息格式
type WebSocketMessage struct {
	Type    string      `json:"type"` // "log" 或 "result"
	Payload interface{} `json:"payload"`
}

// wsReporter 把引擎进度转成 WebSocket 日志帧。
// 所有写操作都经由 writeChan 串行化，连接断开后丢弃。
type wsReporter struct {
	ctx       context.Context
	writeChan chan<- WebSocketMessage
}

func (r *wsReporter) send(message string) {
	select {
	case <-r.ctx.Done():
	default:
		r.writeChan <- WebSocketMessage{Type: "log", Payload: message}
	}
}

func (r *wsReporter) Phase(name string) {
	r.send(fmt.Sprintf("--- %s ---", name))
}

func (r *wsReporter) Advance(done, total int, id string, ok bool) {
	status := "通过"
	if !ok {
		status = "未通过"
	}
	r.send(fmt.Sprintf("[%d/%d] %s: %s", done, total, id, status))
}

func handleWebSocket(cfgPath, locationsPath, candidatesPath, proxyTemplatePath, exeDir string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("WebSocket upgrade failed:", err)
			return
		}

		// 1. 等待前端发来本次运行的配置
		_, msg, err := conn.ReadMessage()
		if err != nil {
			log.Println("WebSocket read for config failed:", err)
			conn.Close()
			return
		}

		if !atomic.CompareAndSwapInt32(&runBusy, 0, 1) {
			conn.WriteMessage(websocket.TextMessage, []byte("Error: 已有探测任务在运行，请等待其结束"))
			conn.Close()
			return
		}
		defer atomic.StoreInt32(&runBusy, 0)

		// 先加载文件中的配置作为基础，再用前端发来的字段覆盖，
		// 前端没有提供的字段保留文件中的值
		runConfig, err := config.LoadConfig(cfgPath)
		if err != nil {
			log.Printf("Failed to load base config: %v", err)
			conn.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf("Error: Failed to load base config: %v", err)))
			conn.Close()
			return
		}
		if err := json.Unmarshal(msg, runConfig); err != nil {
			log.Println("Failed to unmarshal config from WebSocket:", err)
			conn.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf("Error: Invalid config format: %v", err)))
			conn.Close()
			return
		}

		// 2. 客户端断开时取消还在跑的引擎
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					log.Printf("Client disconnected: %v", err)
					break
				}
			}
		}()

		// 3. 专职写协程，唯一向连接写数据的地方
		writeChan := make(chan WebSocketMessage, 64)
		go func() {
			for msg := range writeChan {
				if err := conn.WriteJSON(msg); err != nil {
					log.Printf("WebSocket write error: %v", err)
					break
				}
			}
		}()

		reporter := &wsReporter{ctx: ctx, writeChan: writeChan}

		// 4. 在当前 handler 协程里跑引擎
		summary, err := engine.Run(ctx, runConfig, candidatesPath, locationsPath, proxyTemplatePath, exeDir, reporter)
		if err != nil {
			errMsg := fmt.Sprintf("引擎运行时出错: %v", err)
			reporter.send(errMsg)
			log.Println(errMsg)
		} else {
			select {
			case <-ctx.Done():
			default:
				writeChan <- WebSocketMessage{Type: "result", Payload: summary}
			}

			if len(summary.Results) > 0 {
				ipVersion := "ipv4"
				if runConfig != nil && runConfig.IPVersion != "" {
					ipVersion = runConfig.IPVersion
				}
				jsonFileName := fmt.Sprintf("web_result_%s.json", ipVersion)
				csvFileName := fmt.Sprintf("web_result_%s.csv", ipVersion)

				if err := output.WriteJSONFile(jsonFileName, summary.Results); err != nil {
					log.Printf("保存 JSON 文件失败: %v", err)
					reporter.send(fmt.Sprintf("错误: 保存 %s 失败。", jsonFileName))
				} else {
					reporter.send(fmt.Sprintf("结果已保存到 %s", jsonFileName))
				}
				if err := output.WriteCSVFile(csvFileName, summary.Results); err != nil {
					log.Printf("保存 CSV 文件失败: %v", err)
					reporter.send(fmt.Sprintf("错误: 保存 %s 失败。", csvFileName))
				} else {
					reporter.send(fmt.Sprintf("结果已保存到 %s", csvFileName))
				}
			}
		}

		// 5. 引擎结束后关闭连接
		reporter.send("--- 任务完成 ---")
		close(writeChan)
		time.Sleep(200 * time.Millisecond) // 等写协程送完最后一条
		conn.Close()
	}
}

func saveConfigWithComments(cfgPath string, newValues map[string]interface{}) error {
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		return err
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return err
	}

	// yaml.v3 unmarshals to a document node, we need the content
	docNode := root.Content[0]

	// Iterate through the key-value pairs of the mapping node
	for i := 0; i < len(docNode.Content); i += 2 {
		keyNode := docNode.Content[i]
		valNode := docNode.Content[i+1]

		if newValue, ok := newValues[keyNode.Value]; ok {
			setNodeValue(valNode, newValue)
		}
	}

	out, err := yaml.Marshal(&root)
	if err != nil {
		return err
	}

	return os.WriteFile(cfgPath, out, 0644)
}

// openBrowser tries to open the URL in a default browser.
func openBrowser(url string) {
	var err error
	switch runtime.GOOS {
	case "linux":
		err = exec.Command("xdg-open", url).Start()
	case "windows":
		err = exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	case "darwin":
		err = exec.Command("open", url).Start()
	default:
		err = fmt.Errorf("unsupported platform")
	}
	if err != nil {
		log.Printf("无法自动打开浏览器: %v\n请手动打开 %s", err, url)
	}
}

// setNodeValue updates a yaml.Node's value based on the provided interface{}.
// It handles basic types, maps and slices.
func setNodeValue(node *yaml.Node, value interface{}) {
	switch v := value.(type) {
	case []interface{}:
		node.Kind = yaml.SequenceNode
		node.Tag = "!!seq"
		node.Content = []*yaml.Node{}
		for _, item := range v {
			itemNode := &yaml.Node{}
			setNodeValue(itemNode, item)
			node.Content = append(node.Content, itemNode)
		}
	case map[string]interface{}:
		// 嵌套段落（如 proxy:）按键逐个更新，保留未提及的键和注释
		if node.Kind != yaml.MappingNode {
			node.Kind = yaml.MappingNode
			node.Tag = "!!map"
			node.Content = nil
		}
		for i := 0; i < len(node.Content); i += 2 {
			keyNode := node.Content[i]
			valNode := node.Content[i+1]
			if newValue, ok := v[keyNode.Value]; ok {
				setNodeValue(valNode, newValue)
			}
		}
	default:
		s := fmt.Sprintf("%v", value)
		node.Value = s
		node.Kind = yaml.ScalarNode

		// Heuristic to guess the tag
		if s == "true" || s == "false" {
			node.Tag = "!!bool"
		} else if _, err := strToInt(s); err == nil {
			node.Tag = "!!int"
		} else if _, err := strToFloat(s); err == nil {
			node.Tag = "!!float"
		} else {
			node.Tag = "!!str"
		}
	}
}

func strToFloat(s string) (float64, error) {
	var f float64
	// Use json unmarshaling to handle number parsing robustly
	return f, json.Unmarshal([]byte(s), &f)
}

func strToInt(s string) (int, error) {
	var i int
	// Use json unmarshaling to handle integer parsing robustly
	return i, json.Unmarshal([]byte(s), &i)
}
