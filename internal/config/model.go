// Package config
package config

import "time"

// ==========================================
// 顶层配置结构
// ==========================================

type AppConfig struct {
	Agent    AgentConfig    `mapstructure:"agent" json:"agent"`
	Server   ServerConfig   `mapstructure:"server" json:"server"`
	Storage  StorageConfig  `mapstructure:"storage" json:"storage"`
	Database DatabaseConfig `mapstructure:"database" json:"database"`
	Proxy    ProxyConfig    `mapstructure:"proxy" json:"proxy"`
	Stack    StackConfig    `mapstructure:"stack" json:"stack"`
	Sync     SyncConfig     `mapstructure:"sync" json:"sync"`
	IPC      IPCConfig      `mapstructure:"ipc" json:"ipc"`
	Scanner  ScannerConfig  `mapstructure:"scanner" json:"scanner"`
}

// ==========================================
// 1. 基础配置
// ==========================================

type AgentConfig struct {
	// 日志级别: debug, info, warn, error
	LogLevel string `mapstructure:"log_level" json:"log_level"`
	// 日志文件路径
	LogFile string `mapstructure:"log_file" json:"log_file"`
	// 数据存储目录
	DataDir string `mapstructure:"data_dir" json:"data_dir"`
	// 日志轮转配置
	LogMaxSize    int  `mapstructure:"log_max_size" json:"log_max_size"`       // MB
	LogMaxBackups int  `mapstructure:"log_max_backups" json:"log_max_backups"` // 个数
	LogMaxAge     int  `mapstructure:"log_max_age" json:"log_max_age"`         // 天数
	LogCompress   bool `mapstructure:"log_compress" json:"log_compress"`       // 是否压缩
	LogStdout     bool `mapstructure:"log_stdout" json:"log_stdout"`           // 是否打印到控制台
}

// ==========================================
// 2. 管理平台通信配置
// ==========================================

type ServerConfig struct {
	// 管理平台地址 (e.g., https://audit.example.com)
	URL string `mapstructure:"url" json:"url"`
	// 平台分配的应用标识
	AppCode string `mapstructure:"app_code" json:"app_code"`
	// 平台分配的应用密钥，参与请求签名
	AppSecret string `mapstructure:"app_secret" json:"app_secret"`
	// HTTP 请求超时
	Timeout time.Duration `mapstructure:"timeout" json:"timeout"`
	// 最大空闲连接数
	MaxIdleConns int `mapstructure:"max_idle_conns" json:"max_idle_conns"`
	// 空闲连接超时
	IdleConnTimeout time.Duration `mapstructure:"idle_conn_timeout" json:"idle_conn_timeout"`
}

// ==========================================
// 3. 本地存储配置
// ==========================================

type StorageConfig struct {
	// 截屏文件落盘目录
	ScreenshotDir string `mapstructure:"screenshot_dir" json:"screenshot_dir"`
	// 下发给外部代理进程的设备信息文件路径
	DeviceInfoFile string `mapstructure:"device_info_file" json:"device_info_file"`
}

// ==========================================
// 4. 数据库配置
// ==========================================

type DatabaseConfig struct {
	// 数据库文件名
	FileName string `mapstructure:"file_name" json:"file_name"`
	// GORM 日志级别: silent, error, warn, info
	LogLevel string `mapstructure:"log_level" json:"log_level"`
	// 最大打开连接数 (SQLite 建议 1)
	MaxOpenConns int `mapstructure:"max_open_conns" json:"max_open_conns"`
	// 最大空闲连接数 (SQLite 建议 1)
	MaxIdleConns int `mapstructure:"max_idle_conns" json:"max_idle_conns"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" json:"conn_max_lifetime"`
	// SQLite Journal 模式: WAL, DELETE, TRUNCATE, PERSIST, MEMORY
	JournalMode string `mapstructure:"journal_mode" json:"journal_mode"`
	// SQLite 同步模式: FULL, NORMAL, OFF
	Synchronous string `mapstructure:"synchronous" json:"synchronous"`
	// SQLite 临时存储: MEMORY, FILE
	TempStore string `mapstructure:"temp_store" json:"temp_store"`
	// 是否启用外键约束
	ForeignKeys bool `mapstructure:"foreign_keys" json:"foreign_keys"`
}

// ==========================================
// 5. MITM 代理配置 (方案 B)
// ==========================================

type ProxyConfig struct {
	// 代理监听地址 (e.g., "127.0.0.1:8118")
	Listen string `mapstructure:"listen" json:"listen"`
	// 根证书 PEM 路径，不存在时自动生成
	CACert string `mapstructure:"ca_cert" json:"ca_cert"`
	// 根证书私钥 PEM 路径
	CAKey string `mapstructure:"ca_key" json:"ca_key"`
}

// ==========================================
// 6. 用户态协议栈配置 (方案 A)
// ==========================================

type StackConfig struct {
	// Fake-IP 池网段，顺序分配
	FakeIPCIDR string `mapstructure:"fake_ip_cidr" json:"fake_ip_cidr"`
	// DNS 应答 TTL (秒)
	DNSTTL int `mapstructure:"dns_ttl" json:"dns_ttl"`
}

// ==========================================
// 7. 同步与异常扫描配置
// ==========================================

type SyncConfig struct {
	// 同步周期 (心跳 + 批量上报)
	Interval time.Duration `mapstructure:"interval" json:"interval"`
}

type ScannerConfig struct {
	// 进程与应用扫描周期
	Interval time.Duration `mapstructure:"interval" json:"interval"`
	// 应用目录扫描范围
	AppDirs []string `mapstructure:"app_dirs" json:"app_dirs"`
}

// ==========================================
// 8. 本地命令通道配置
// ==========================================

type IPCConfig struct {
	// Unix Socket 路径
	SocketPath string `mapstructure:"socket_path" json:"socket_path"`
	// 单条命令执行超时
	CommandTimeout time.Duration `mapstructure:"command_timeout" json:"command_timeout"`
}
