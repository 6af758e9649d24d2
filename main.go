package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/mifeng-cdn/mifeng/internal/config"
	"github.com/mifeng-cdn/mifeng/internal/logging"
	"github.com/mifeng-cdn/mifeng/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	printConfig bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

const shutdownTimeout = 10 * time.Second

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

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	if opts.printConfig {
		if err := printConfig(cfg); err != nil {
			fmt.Fprintf(stdErr, "输出配置失败: %v\n", err)
			return 1
		}
		return 0
	}

	logger, ring, err := logging.InitLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["rules"] = len(cfg.Proxies)
		fields["cache_type"] = cfg.Cache.Type
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：配置 → 日志 → 缓存 → 下载池 → 规则表 → Fiber，所有请求共享同一组实例。
	svc, err := newService(cfg, logger, ring)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化服务失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["rules"] = len(cfg.Proxies)
	fields["listen_port"] = cfg.Port
	fields["cache_enabled"] = svc.cache != nil
	fields["cache_type"] = cfg.Cache.Type
	fields["streaming"] = cfg.Streaming.Enabled
	fields["http_proxy"] = cfg.HTTPProxy.Enabled
	fields["dns_override"] = cfg.DNS.Enabled
	fields["workers"] = cfg.Workers.Capacity
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := serve(svc, cfg, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// serve 监听端口直到收到 SIGINT/SIGTERM，随后依次关闭 HTTP、下载池与后台写入。
func serve(svc *service, cfg *config.Config, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"action":     "listen",
			"port":       cfg.Port,
			"listen_url": advertisedURL(cfg),
		}).Info("Fiber 服务启动")
		errCh <- svc.app.Listen(listenAddress(cfg))
	}()

	select {
	case err := <-errCh:
		svc.close(context.Background())
		return err
	case <-ctx.Done():
	}

	logger.WithField("action", "shutdown").Info("收到退出信号，开始关闭")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := svc.app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.WithField("action", "shutdown").WithError(err).Warn("http_shutdown_failed")
	}
	svc.close(shutdownCtx)
	logger.WithField("action", "shutdown").Info("服务已退出")
	return nil
}

// listenAddress 在所有网卡上监听 port；host 仅用于对外展示。
func listenAddress(cfg *config.Config) string {
	return fmt.Sprintf(":%d", cfg.Port)
}

// advertisedURL 返回启动日志中展示的访问地址。
func advertisedURL(cfg *config.Config) string {
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", host, cfg.Port)
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("mifeng", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag  string
		checkOnly   bool
		printConfig bool
		showVer     bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./index_config.json，可被 MIFENG_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&printConfig, "print-config", false, "以 YAML 输出合并默认值后的配置（隐藏代理密码）")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("MIFENG_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = config.DefaultPath
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		printConfig: printConfig,
		showVersion: showVer,
	}, nil
}

func printConfig(cfg *config.Config) error {
	enc := yaml.NewEncoder(stdOut)
	enc.SetIndent(2)
	if err := enc.Encode(cfg.Masked()); err != nil {
		return err
	}
	return enc.Close()
}
