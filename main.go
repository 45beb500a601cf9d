package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/tibiastatic/tibiastatic/internal/cache"
	"github.com/tibiastatic/tibiastatic/internal/config"
	"github.com/tibiastatic/tibiastatic/internal/logging"
	"github.com/tibiastatic/tibiastatic/internal/metrics"
	"github.com/tibiastatic/tibiastatic/internal/origin"
	"github.com/tibiastatic/tibiastatic/internal/proxy"
	"github.com/tibiastatic/tibiastatic/internal/server"
	"github.com/tibiastatic/tibiastatic/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	listenPort  int
	metricsPort int
	checkOnly   bool
	showVersion bool
}

const defaultConfigFile = "config.toml"

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(*cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["origin"] = cfg.Origin
		fields["storage_path"] = cfg.StoragePath
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：配置 → 磁盘缓存 → 回源客户端 → 指标 → Handler → Fiber server，
	// 保证所有请求共享同一份缓存、http.Client 与计数器。
	store, err := cache.NewStore(cfg.StoragePath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存目录失败: %v\n", err)
		return 1
	}

	fetcher, err := origin.NewFetcher(server.NewUpstreamClient(cfg), cfg.Origin, cfg.MaxObjectSize.Int64())
	if err != nil {
		fmt.Fprintf(stdErr, "初始化源站客户端失败: %v\n", err)
		return 1
	}

	recorder := metrics.NewRecorder()
	handler, err := proxy.NewHandler(proxy.Options{
		Store:         store,
		Fetcher:       fetcher,
		Policy:        cache.NewFreshnessPolicy(cfg.VolatileMarkers, cfg.VolatileTTL.DurationValue()),
		MaxObjectSize: cfg.MaxObjectSize.Int64(),
		Metrics:       recorder,
		Logger:        logger,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "构建缓存 Handler 失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.ListenPort
	fields["metrics_port"] = cfg.MetricsPort
	fields["origin"] = cfg.Origin
	fields["storage_path"] = cfg.StoragePath
	fields["max_object_size"] = cfg.MaxObjectSize.String()
	fields["volatile_markers"] = cfg.VolatileMarkers
	fields["volatile_ttl"] = cfg.VolatileTTL.DurationValue().String()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := startHTTPServer(ctx, cfg, handler, recorder, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// loadConfig 加载配置文件并应用 CLI 端口覆盖，覆盖后重新校验。
func loadConfig(opts cliOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.listenPort > 0 {
		cfg.ListenPort = opts.listenPort
	}
	if opts.metricsPort >= 0 {
		cfg.MetricsPort = opts.metricsPort
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("tibiastatic", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag  string
		listenPort  int
		metricsPort int
		checkOnly   bool
		showVer     bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 TIBIASTATIC_CONFIG 覆盖）")
	fs.IntVar(&listenPort, "port", 0, "服务监听端口，覆盖配置中的 ListenPort")
	fs.IntVar(&metricsPort, "metrics-port", -1, "Prometheus 指标端口，覆盖 MetricsPort（0 表示与服务端口共用）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}
	if listenPort < 0 || listenPort > 65535 {
		return cliOptions{}, fmt.Errorf("端口超出范围: %d", listenPort)
	}
	if metricsPort > 65535 {
		return cliOptions{}, fmt.Errorf("metrics 端口超出范围: %d", metricsPort)
	}

	path := os.Getenv("TIBIASTATIC_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		}
	}

	return cliOptions{
		configPath:  path,
		listenPort:  listenPort,
		metricsPort: metricsPort,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

func startHTTPServer(ctx context.Context, cfg *config.Config, handler server.ProxyHandler, recorder *metrics.Recorder, logger *logrus.Logger) error {
	opts := server.AppOptions{
		Logger: logger,
		Proxy:  handler,
	}
	if !cfg.SeparateMetricsListener() {
		opts.Metrics = recorder.Handler()
	}
	app, err := server.NewApp(opts)
	if err != nil {
		return err
	}

	apps := []*fiber.App{app}
	if cfg.SeparateMetricsListener() {
		metricsApp, err := server.NewMetricsApp(logger, recorder.Handler())
		if err != nil {
			return err
		}
		apps = append(apps, metricsApp)
		go func() {
			logger.WithFields(logrus.Fields{
				"action": "listen",
				"port":   cfg.MetricsPort,
			}).Info("metrics 服务启动")
			if err := metricsApp.Listen(fmt.Sprintf(":%d", cfg.MetricsPort), fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
				logger.WithError(err).WithField("action", "listen").Error("metrics 服务异常退出")
			}
		}()
	}

	go func() {
		<-ctx.Done()
		logger.WithField("action", "shutdown").Info("收到退出信号，停止服务")
		for _, a := range apps {
			if err := a.Shutdown(); err != nil && !errors.Is(err, context.Canceled) {
				logger.WithError(err).WithField("action", "shutdown").Warn("停止服务失败")
			}
		}
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   cfg.ListenPort,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", cfg.ListenPort), fiber.ListenConfig{DisableStartupMessage: true})
}
