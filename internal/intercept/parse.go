package intercept

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"strings"
)

// ==========================================
// 容错 HTTP 请求解析
// ==========================================

// ParsedRequest 从原始字节解析出的请求概要
// 解析失败时字段取兜底值，审计记录照常生成
type ParsedRequest struct {
	Method string
	Path   string
	Host   string
	Body   string
	// "http" 或 "https"；留空按 https 处理
	Scheme string
}

// ParseRequest 容错解析 HTTP 请求
// 协议栈路径上拿到的是 TCP 载荷原始字节，可能是半包或非 HTTP 流量，
// 解析失败不丢记录：method=UNKNOWN path=/
func ParseRequest(raw []byte) ParsedRequest {
	fallback := ParsedRequest{Method: "UNKNOWN", Path: "/"}
	if len(raw) == 0 {
		return fallback
	}

	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		// 退一步：至少尝试从首行拆出方法和路径
		return parseFirstLine(raw, fallback)
	}
	defer req.Body.Close()

	body, _ := io.ReadAll(req.Body)
	return ParsedRequest{
		Method: req.Method,
		Path:   req.URL.RequestURI(),
		Host:   req.Host,
		Body:   string(body),
	}
}

// parseFirstLine 半包兜底：只看 "METHOD /path HTTP/1.x" 首行
func parseFirstLine(raw []byte, fallback ParsedRequest) ParsedRequest {
	line := raw
	if i := bytes.IndexByte(raw, '\n'); i >= 0 {
		line = raw[:i]
	}
	fields := strings.Fields(string(line))
	if len(fields) < 3 || !strings.HasPrefix(fields[2], "HTTP/") {
		return fallback
	}
	if !isKnownMethod(fields[0]) {
		return fallback
	}
	return ParsedRequest{Method: fields[0], Path: fields[1]}
}

func isKnownMethod(m string) bool {
	switch m {
	case "GET", "POST", "PUT", "DELETE", "HEAD", "OPTIONS", "PATCH", "CONNECT", "TRACE":
		return true
	}
	return false
}

// Truncate 按长度截断字符串 (响应体抓取规则用)
func Truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return s[:limit]
}

// ExtractTitle 从 HTML 响应体提取 <title> 文本，找不到返回空串
func ExtractTitle(body string) string {
	lower := strings.ToLower(body)
	start := strings.Index(lower, "<title")
	if start < 0 {
		return ""
	}
	open := strings.IndexByte(lower[start:], '>')
	if open < 0 {
		return ""
	}
	start += open + 1
	end := strings.Index(lower[start:], "</title>")
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(body[start : start+end])
}
