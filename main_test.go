package main

import (
	"strings"
	"testing"

	"github.com/mifeng-cdn/mifeng/internal/config"
)

func TestParseCLIFlagsPriority(t *testing.T) {
	t.Setenv("MIFENG_CONFIG", "/tmp/env.json")

	opts, err := parseCLIFlags([]string{})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/env.json" {
		t.Fatalf("应优先使用环境变量，得到 %s", opts.configPath)
	}

	opts, err = parseCLIFlags([]string{"--config", "/tmp/flag.json", "--print-config"})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/flag.json" {
		t.Fatalf("flag 应高于环境变量，得到 %s", opts.configPath)
	}
	if !opts.printConfig {
		t.Fatalf("print-config 标志未生效")
	}
}

func TestParseCLIFlagsDefaultPath(t *testing.T) {
	t.Setenv("MIFENG_CONFIG", "")
	opts, err := parseCLIFlags(nil)
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "index_config.json" {
		t.Fatalf("默认配置路径错误: %s", opts.configPath)
	}
}

func TestParseCLIFlagsRejectsUnknown(t *testing.T) {
	if _, err := parseCLIFlags([]string{"--bogus"}); err == nil {
		t.Fatalf("未知参数应报错")
	}
}

func TestRunCheckConfigSuccess(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture(t, "valid.json"), checkOnly: true})
	if code != 0 {
		t.Fatalf("期望退出码 0，得到 %d (stderr=%s)", code, stdErrBuffer().String())
	}
}

func TestRunCheckConfigFailure(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture(t, "missing.json"), checkOnly: true})
	if code == 0 {
		t.Fatalf("无效配置应返回非零退出码")
	}
	if stdErrBuffer().Len() == 0 {
		t.Fatalf("失败时应输出错误信息")
	}
}

func TestRunPrintConfigMasksPassword(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture(t, "valid.json"), printConfig: true})
	if code != 0 {
		t.Fatalf("print-config 应成功退出，得到 %d", code)
	}
	out := stdOutBuffer().String()
	if strings.Contains(out, "secret") {
		t.Fatalf("输出中不应包含代理密码: %s", out)
	}
	if !strings.Contains(out, "prefix: /gh") || !strings.Contains(out, "maxSize: 64MB") {
		t.Fatalf("输出缺少规则或缓存配置: %s", out)
	}
}

func TestRunVersionOutput(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{showVersion: true})
	if code != 0 {
		t.Fatalf("version 模式应成功退出，得到 %d", code)
	}
	if !strings.Contains(stdOutBuffer().String(), "mifeng") {
		t.Fatalf("version 输出应包含 mifeng 标识")
	}
}

func TestListenAddressAndAdvertisedURL(t *testing.T) {
	cfg := &config.Config{Port: 8080, Host: "cdn.example.com"}
	if got := listenAddress(cfg); got != ":8080" {
		t.Fatalf("应监听所有网卡，得到 %s", got)
	}
	if got := advertisedURL(cfg); got != "http://cdn.example.com:8080" {
		t.Fatalf("展示地址应使用 host 配置，得到 %s", got)
	}

	cfg.Host = ""
	if got := advertisedURL(cfg); got != "http://localhost:8080" {
		t.Fatalf("host 为空时应回退 localhost，得到 %s", got)
	}
}
