package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/jianbinzhang1987/mac-monitor/internal/ca"
	"github.com/jianbinzhang1987/mac-monitor/internal/clock"
	"github.com/jianbinzhang1987/mac-monitor/internal/config"
	"github.com/jianbinzhang1987/mac-monitor/internal/device"
	"github.com/jianbinzhang1987/mac-monitor/internal/intercept"
	"github.com/jianbinzhang1987/mac-monitor/internal/ipc"
	"github.com/jianbinzhang1987/mac-monitor/internal/logger"
	"github.com/jianbinzhang1987/mac-monitor/internal/netstack"
	"github.com/jianbinzhang1987/mac-monitor/internal/policy"
	"github.com/jianbinzhang1987/mac-monitor/internal/proxy"
	"github.com/jianbinzhang1987/mac-monitor/internal/scanner"
	"github.com/jianbinzhang1987/mac-monitor/internal/security"
	"github.com/jianbinzhang1987/mac-monitor/internal/storage"
	"github.com/jianbinzhang1987/mac-monitor/internal/uploader"
)

// ==========================================
// 全局服务实例
// ==========================================

var (
	logicalClock *clock.LogicalClock
	policyStore  *policy.Store
	authority    *ca.CertificateAuthority
	auditEngine  *intercept.Engine
	stack        *netstack.Stack
	platform     *uploader.Client
	syncSvc      *uploader.SyncService
	anomalySvc   *scanner.AnomalyScanner
	ipcSrv       *ipc.Server
	proxySrv     *proxy.Server
)

// ==========================================
// 参数解析
// ==========================================

// parseArgs 解析命令行参数
func parseArgs() string {
	configPath := flag.String("c", "configs/config.json", "配置文件路径")
	flag.Parse()
	return *configPath
}

// ==========================================
// 基础设施初始化
// ==========================================

// loadConfig 加载配置文件
func loadConfig(configPath string) error {
	fmt.Printf("正在加载配置文件: %s\n", configPath)
	if err := config.LoadConfig(configPath); err != nil {
		return fmt.Errorf("加载配置文件失败: %v", err)
	}
	fmt.Printf("配置文件加载成功: %s\n", configPath)
	return nil
}

// initLogger 初始化日志系统
func initLogger() error {
	cfg := config.Get()
	fmt.Println("正在初始化日志系统...")
	if err := logger.Setup(logger.Options{
		Level:      cfg.Agent.LogLevel,
		FilePath:   cfg.Agent.LogFile,
		MaxSize:    cfg.Agent.LogMaxSize,
		MaxBackups: cfg.Agent.LogMaxBackups,
		MaxAge:     cfg.Agent.LogMaxAge,
		Compress:   cfg.Agent.LogCompress,
		Stdout:     cfg.Agent.LogStdout,
	}); err != nil {
		return fmt.Errorf("日志系统初始化失败: %w", err)
	}
	logger.Info("Agent initialized", "version", device.Version)
	return nil
}

// initSecurity 初始化安全模块（KMS、加密引擎等）
func initSecurity() error {
	fmt.Println("正在初始化安全模块...")
	if err := security.Setup(); err != nil {
		return fmt.Errorf("安全模块初始化失败: %w", err)
	}
	logger.Info("安全模块初始化成功")
	return nil
}

// initDatabase 初始化数据库与发件箱
func initDatabase() error {
	fmt.Println("正在初始化数据库...")
	cfg := config.Get()
	dbCfg := cfg.Database

	if err := storage.Setup(storage.Options{
		DataDir:         cfg.Agent.DataDir,
		FileName:        dbCfg.FileName,
		LogLevel:        dbCfg.LogLevel,
		MaxOpenConns:    dbCfg.MaxOpenConns,
		MaxIdleConns:    dbCfg.MaxIdleConns,
		ConnMaxLifetime: dbCfg.ConnMaxLifetime,
		JournalMode:     dbCfg.JournalMode,
		Synchronous:     dbCfg.Synchronous,
		TempStore:       dbCfg.TempStore,
		ForeignKeys:     dbCfg.ForeignKeys,
	}); err != nil {
		return fmt.Errorf("database setup failed: %w", err)
	}

	db, err := storage.GetDB()
	if err != nil {
		return fmt.Errorf("failed to get DB instance: %w", err)
	}
	if err := storage.SetupOutbox(db); err != nil {
		return fmt.Errorf("failed to setup outbox: %w", err)
	}

	logger.Info("数据库初始化成功")
	return nil
}

// ==========================================
// 业务模块初始化
// ==========================================

// initDevice 初始化设备身份
func initDevice() error {
	fmt.Println("正在初始化设备身份...")
	cfg := config.Get()

	if err := device.Init(cfg.Agent.DataDir); err != nil {
		return fmt.Errorf("设备身份初始化失败: %w", err)
	}

	dev := device.Get()
	logger.Info("设备身份加载完成",
		"hardware_id", dev.HardwareID,
		"hostname", dev.Hostname,
		"registered", device.IsRegistered(),
	)

	// 外部代理进程通过该文件获知设备身份
	if cfg.Storage.DeviceInfoFile != "" {
		if err := device.WriteInfoFile(cfg.Storage.DeviceInfoFile); err != nil {
			logger.Warn("设备信息文件写入失败", "err", err)
		}
	}
	return nil
}

// initAuthority 加载/生成审计根证书
func initAuthority() error {
	fmt.Println("正在初始化证书颁发机构...")
	cfg := config.Get()

	certPath := cfg.Proxy.CACert
	keyPath := cfg.Proxy.CAKey
	if certPath == "" {
		certPath = filepath.Join(cfg.Agent.DataDir, "audit-root.crt")
	}
	if keyPath == "" {
		keyPath = filepath.Join(cfg.Agent.DataDir, "audit-root.key")
	}

	a, err := ca.Load(certPath, keyPath)
	if err != nil {
		return fmt.Errorf("根证书初始化失败: %w", err)
	}
	authority = a
	logger.Info("证书颁发机构就绪", "cert", certPath)
	return nil
}

// initPipeline 组装审计链路: 时钟 -> 策略 -> 引擎 -> 协议栈
func initPipeline() error {
	fmt.Println("正在组装审计链路...")
	cfg := config.Get()

	logicalClock = &clock.LogicalClock{}
	policyStore = policy.NewStore()

	outbox, err := storage.GetOutbox()
	if err != nil {
		return err
	}
	auditEngine = intercept.NewEngine(logicalClock, policyStore, outbox, nil, nil)

	dns, err := netstack.NewFakeDNS(cfg.Stack.FakeIPCIDR, cfg.Stack.DNSTTL)
	if err != nil {
		return fmt.Errorf("fake-ip 池初始化失败: %w", err)
	}
	stack = netstack.NewStack(netstack.NewTunDevice(), dns, auditEngine)
	netstack.Bind(stack)

	// 方案B: 系统代理接入路径，两条路径共用同一个引擎
	proxySrv = proxy.NewServer(cfg.Proxy.Listen, authority, proxy.EngineAuditor{Engine: auditEngine})

	logger.Info("审计链路组装完成", "fake_ip_cidr", cfg.Stack.FakeIPCIDR, "proxy", cfg.Proxy.Listen)
	return nil
}

// initServices 初始化同步 / 扫描 / 命令通道服务
func initServices() error {
	fmt.Println("正在初始化周期服务...")
	cfg := config.Get()

	outbox, err := storage.GetOutbox()
	if err != nil {
		return err
	}

	platform = uploader.NewClient(cfg.Server)
	anomalySvc = scanner.New(policyStore, outbox, logicalClock, nil, cfg.Scanner.AppDirs, cfg.Scanner.Interval)
	syncSvc = uploader.NewSyncService(platform, logicalClock, policyStore, outbox, anomalySvc, cfg.Sync.Interval)

	if err := os.MkdirAll(cfg.Storage.ScreenshotDir, 0700); err != nil {
		return fmt.Errorf("截屏目录创建失败: %w", err)
	}

	ipcSrv = ipc.NewServer(ipc.Deps{
		Client:        platform,
		Policies:      policyStore,
		Outbox:        outbox,
		Clock:         logicalClock,
		Engine:        auditEngine,
		RootPEM:       authority.RootPEM,
		ScreenshotDir: cfg.Storage.ScreenshotDir,
	}, cfg.IPC.SocketPath, cfg.IPC.CommandTimeout)

	logger.Info("周期服务初始化成功")
	return nil
}

// ==========================================
// 服务启动 / 停止
// ==========================================

func startServices() error {
	fmt.Println("正在启动服务...")

	stack.Start()
	syncSvc.Start()
	if err := proxySrv.Start(); err != nil {
		return fmt.Errorf("代理启动失败: %w", err)
	}
	if err := ipcSrv.Start(); err != nil {
		return fmt.Errorf("命令通道启动失败: %w", err)
	}

	logger.Info("所有服务启动成功")
	return nil
}

func stopServices() {
	fmt.Println("正在停止服务...")
	if ipcSrv != nil {
		ipcSrv.Stop()
	}
	if proxySrv != nil {
		proxySrv.Stop()
	}
	if syncSvc != nil {
		syncSvc.Stop()
	}
	if stack != nil {
		stack.Stop()
	}
	logger.Info("服务已停止")
}

// ==========================================
// 入口
// ==========================================

func main() {
	configPath := parseArgs()

	// 初始化阶段按依赖顺序执行，任何一步失败直接退出
	steps := []struct {
		name string
		fn   func() error
	}{
		{"config", func() error { return loadConfig(configPath) }},
		{"logger", initLogger},
		{"security", initSecurity},
		{"database", initDatabase},
		{"device", initDevice},
		{"authority", initAuthority},
		{"pipeline", initPipeline},
		{"services", initServices},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			fmt.Fprintf(os.Stderr, "初始化失败 [%s]: %v\n", step.name, err)
			os.Exit(1)
		}
	}

	if err := startServices(); err != nil {
		fmt.Fprintf(os.Stderr, "启动失败: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("审计代理已启动，按 Ctrl+C 退出")
	logger.Info("Audit agent running",
		"pin", device.Get().PinNumber,
		"audit_enabled", policyStore.Current().AuditPolicy().Enabled,
	)

	// 等待退出信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	fmt.Printf("\n收到信号 %v，正在退出...\n", sig)

	stopServices()
}
