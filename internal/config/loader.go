package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

// GlobalConfig 全局配置单例
// 在调用 LoadConfig 成功后，该变量会被填充，后续模块直接读取即可
var (
	GlobalConfig *AppConfig
	loadOnce     sync.Once

	// v 保留 viper 实例，注册命令需要回写配置文件
	v *viper.Viper
)

// LoadConfig 加载配置
// configPath 为空时在 /etc/mac-monitor 和当前目录搜索 config.json
func LoadConfig(configPath string) error {
	var err error
	loadOnce.Do(func() {
		err = load(configPath)
	})
	return err
}

func load(configPath string) error {
	v = viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("json")
		v.AddConfigPath("/etc/mac-monitor/")
		v.AddConfigPath(".")
	}

	// 环境变量覆盖：MM_SERVER_URL -> server.url
	v.SetEnvPrefix("MM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// 缺少服务端凭据无法工作，配置文件必须存在
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return fmt.Errorf("config file not found: %v", err)
		}
		return fmt.Errorf("failed to read config file: %v", err)
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %v", err)
	}

	GlobalConfig = &cfg
	fmt.Printf("[Config] Loaded successfully from: %s\n", v.ConfigFileUsed())
	return nil
}

// setDefaults 定义配置文件的“默认行为”
func setDefaults(v *viper.Viper) {
	// Agent 基础
	v.SetDefault("agent.log_level", "info")
	v.SetDefault("agent.log_file", "/var/log/mac-monitor/agent.log")
	v.SetDefault("agent.data_dir", "/var/lib/mac-monitor")
	// 日志轮转默认值
	v.SetDefault("agent.log_max_size", 100)  // 100MB 切割
	v.SetDefault("agent.log_max_backups", 5) // 保留最近 5 个
	v.SetDefault("agent.log_max_age", 30)    // 保留 30 天
	v.SetDefault("agent.log_compress", true) // 默认压缩旧日志
	v.SetDefault("agent.log_stdout", false)  // 生产环境默认不打控制台

	// Server 通信
	v.SetDefault("server.timeout", "30s")
	v.SetDefault("server.max_idle_conns", 10)
	v.SetDefault("server.idle_conn_timeout", "30s")

	// Storage 本地存储
	v.SetDefault("storage.screenshot_dir", "/var/lib/mac-monitor/screenshots")
	v.SetDefault("storage.device_info_file", "/var/lib/mac-monitor/device_info.json")

	// Database 数据库配置
	v.SetDefault("database.file_name", "audit.db")
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("database.max_open_conns", 1)
	v.SetDefault("database.max_idle_conns", 1)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.journal_mode", "WAL")
	v.SetDefault("database.synchronous", "NORMAL")
	v.SetDefault("database.temp_store", "MEMORY")
	v.SetDefault("database.foreign_keys", true)

	// Proxy MITM 代理
	v.SetDefault("proxy.listen", "127.0.0.1:8118")
	v.SetDefault("proxy.ca_cert", "/var/lib/mac-monitor/ca/root.pem")
	v.SetDefault("proxy.ca_key", "/var/lib/mac-monitor/ca/root.key")

	// Stack 用户态协议栈
	v.SetDefault("stack.fake_ip_cidr", "10.0.0.0/16")
	v.SetDefault("stack.dns_ttl", 60)

	// Sync 同步周期
	v.SetDefault("sync.interval", "60s")

	// Scanner 异常扫描
	// app_dirs 留空走扫描器内置目录 (系统/共享/用户三处)
	v.SetDefault("scanner.interval", "5m")
	v.SetDefault("scanner.app_dirs", []string{})

	// IPC 本地命令通道
	v.SetDefault("ipc.socket_path", "/var/run/mac-monitor/audit.sock")
	v.SetDefault("ipc.command_timeout", "10s")
}

// Get 获取配置的安全访问器
func Get() *AppConfig {
	if GlobalConfig == nil {
		// 防御性编程：必须先 LoadConfig
		panic("Config not initialized! Call LoadConfig() first.")
	}
	return GlobalConfig
}

// PersistServer 更新并回写服务端配置
// 注册命令成功后调用，将平台下发的凭据写回配置文件
func PersistServer(url, appCode, appSecret string) error {
	if v == nil {
		return fmt.Errorf("config not loaded")
	}

	v.Set("server.url", url)
	v.Set("server.app_code", appCode)
	v.Set("server.app_secret", appSecret)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("failed to persist server config: %w", err)
	}

	// 同步内存中的单例
	GlobalConfig.Server.URL = url
	GlobalConfig.Server.AppCode = appCode
	GlobalConfig.Server.AppSecret = appSecret
	return nil
}
