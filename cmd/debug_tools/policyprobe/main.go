// Package main 提供审计策略的独立调试工具
// 用于单独验证域名匹配、响应抓取规则命中等策略逻辑，
// 也可以把策略文件直接推送给运行中的审计代理。
package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jianbinzhang1987/mac-monitor/internal/model"
	"github.com/jianbinzhang1987/mac-monitor/internal/policy"
)

// ==========================================
// 全局变量和配置
// ==========================================

var (
	version = "1.0.0"
	appName = "policyprobe"

	// 命令行参数
	policyFile string
	socketPath string
	probeURL   string

	// 颜色输出
	colorRed    = color.New(color.FgRed, color.Bold)
	colorGreen  = color.New(color.FgGreen, color.Bold)
	colorYellow = color.New(color.FgYellow)
	colorCyan   = color.New(color.FgCyan)
)

// ==========================================
// 主入口
// ==========================================

func main() {
	if err := rootCmd.Execute(); err != nil {
		colorRed.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "审计策略调试工具",
	Long: `审计策略 (域名目标/白名单/响应抓取规则) 的独立调试工具。

用于在不启动完整代理的情况下验证策略行为：
  - match:  测试域名是否会被审计
  - decide: 测试 URL 命中哪条响应抓取规则
  - push:   把策略文件推送给运行中的审计代理

示例:
  # 测试一组域名
  policyprobe match --policy policy.json shop.example.com cdn.other.org

  # 测试响应抓取规则
  policyprobe decide --policy policy.json --url https://shop.example.com/account

  # 推送策略到本机代理
  policyprobe push --policy policy.json --socket /var/run/audit.sock
`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&policyFile, "policy", "p", "", "策略 JSON 文件路径")

	matchCmd.Flags().StringVar(&probeURL, "url", "", "完整 URL (可选，附带测试响应规则)")
	decideCmd.Flags().StringVar(&probeURL, "url", "", "完整 URL")
	pushCmd.Flags().StringVarP(&socketPath, "socket", "s", "/var/run/mac-monitor/audit.sock", "审计代理命令通道")

	rootCmd.AddCommand(matchCmd, decideCmd, pushCmd)
}

// loadPolicy 读策略文件；未指定时用默认策略 (审计开、全量)
func loadPolicy() (*policy.Store, *model.AuditPolicy, error) {
	store := policy.NewStore()
	audit := model.AuditPolicy{Enabled: true}

	if policyFile == "" {
		colorYellow.Println("⚠️  未指定 --policy，使用默认策略 (全量审计)")
		return store, &audit, nil
	}

	raw, err := os.ReadFile(policyFile)
	if err != nil {
		return nil, nil, fmt.Errorf("读取策略文件失败: %w", err)
	}
	if err := json.Unmarshal(raw, &audit); err != nil {
		return nil, nil, fmt.Errorf("策略文件不是合法 JSON: %w", err)
	}
	store.ReplaceAudit(audit)
	return store, &audit, nil
}

// ==========================================
// match 命令 - 域名审计判定
// ==========================================

var matchCmd = &cobra.Command{
	Use:   "match [domains...]",
	Short: "测试域名是否会被审计",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runMatch,
}

func runMatch(cmd *cobra.Command, args []string) error {
	store, audit, err := loadPolicy()
	if err != nil {
		return err
	}

	colorCyan.Printf("📋 策略: enabled=%v targets=%d whites=%d rules=%d\n",
		audit.Enabled, len(audit.TargetDomains), len(audit.WhiteDomains), len(audit.ResponseRules))
	fmt.Println()

	snap := store.Current()
	for _, domain := range args {
		if net.ParseIP(domain) != nil {
			colorYellow.Printf("⚠️  %-40s 裸IP，按域名规则匹配\n", domain)
		}
		if snap.ShouldAudit(domain) {
			colorGreen.Printf("✅ %-40s 会被审计\n", domain)
		} else {
			colorRed.Printf("⛔ %-40s 不审计\n", domain)
		}
	}
	return nil
}

// ==========================================
// decide 命令 - 响应抓取规则命中
// ==========================================

var decideCmd = &cobra.Command{
	Use:   "decide --url <url>",
	Short: "测试 URL 命中哪条响应抓取规则",
	RunE:  runDecide,
}

func runDecide(cmd *cobra.Command, args []string) error {
	if probeURL == "" {
		return fmt.Errorf("--url 不能为空")
	}
	_, audit, err := loadPolicy()
	if err != nil {
		return err
	}

	for i, rule := range audit.ResponseRules {
		if rule.URL != "" && strings.Contains(probeURL, rule.URL) {
			colorGreen.Printf("✅ 命中规则 #%d: url包含 %q, 响应体保留 %d 字节\n",
				i+1, rule.URL, rule.RspBodyLength)
			return nil
		}
	}
	colorYellow.Println("📭 未命中任何响应抓取规则，响应体不保留")
	return nil
}

// ==========================================
// push 命令 - 推送策略到运行中的代理
// ==========================================

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "把策略文件推送给运行中的审计代理",
	RunE:  runPush,
}

func runPush(cmd *cobra.Command, args []string) error {
	if policyFile == "" {
		return fmt.Errorf("--policy 不能为空")
	}
	raw, err := os.ReadFile(policyFile)
	if err != nil {
		return fmt.Errorf("读取策略文件失败: %w", err)
	}
	// 先本地校验再推送
	var audit model.AuditPolicy
	if err := json.Unmarshal(raw, &audit); err != nil {
		return fmt.Errorf("策略文件不是合法 JSON: %w", err)
	}

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return fmt.Errorf("连接审计代理失败 (%s): %w", socketPath, err)
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(model.IPCCommand{
		Command: "set_audit_policy",
		Payload: raw,
	}); err != nil {
		return err
	}

	var resp model.IPCResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return fmt.Errorf("读取响应失败: %w", err)
	}
	if resp.Status != model.IPCStatusOK {
		colorRed.Printf("❌ 代理拒绝策略: %s\n", resp.Message)
		return fmt.Errorf("push rejected")
	}

	colorGreen.Printf("✅ 策略已生效: targets=%d whites=%d rules=%d\n",
		len(audit.TargetDomains), len(audit.WhiteDomains), len(audit.ResponseRules))
	return nil
}
