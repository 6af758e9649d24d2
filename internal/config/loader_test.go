package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeTempConfig 把 JSON 内容写入临时的 index_config.json 并返回路径。
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index_config.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}

func TestParseSizeLiterals(t *testing.T) {
	testCases := []struct {
		raw  string
		want int64
	}{
		{"8MB", 8 * 1024 * 1024},
		{"1024kb", 1024 * 1024},
		{"1048576B", 1048576},
		{"512", 512},
	}
	for _, tc := range testCases {
		got, err := ParseSize(tc.raw)
		if err != nil {
			t.Fatalf("%s 解析失败: %v", tc.raw, err)
		}
		if got.Bytes() != tc.want {
			t.Fatalf("%s: 期望 %d，得到 %d", tc.raw, tc.want, got.Bytes())
		}
	}
	for _, bad := range []string{"8GB", "MB", "-1", "1.5MB"} {
		if _, err := ParseSize(bad); err == nil {
			t.Fatalf("%s 应解析失败", bad)
		}
	}
}

func TestParseDurationLiterals(t *testing.T) {
	testCases := []struct {
		raw  string
		want time.Duration
	}{
		{"86400S", 24 * time.Hour},
		{"60s", time.Minute},
		{"5m", 5 * time.Minute},
		{"30", 30 * time.Second},
	}
	for _, tc := range testCases {
		got, err := ParseDuration(tc.raw)
		if err != nil {
			t.Fatalf("%s 解析失败: %v", tc.raw, err)
		}
		if got.DurationValue() != tc.want {
			t.Fatalf("%s: 期望 %s，得到 %s", tc.raw, tc.want, got.DurationValue())
		}
	}
	if _, err := ParseDuration("boom"); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `{
  "proxies": [{"prefix": "/gh", "target": "https://raw.githubusercontent.com/"}],
  "cache": {"maxTime": "boom"}
}`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadAcceptsNumericLiterals(t *testing.T) {
	cfg := `{
  "proxies": [{"prefix": "/gh", "target": "https://raw.githubusercontent.com/"}],
  "cache": {"type": "memory", "maxSize": 2048, "minSize": 16, "maxTime": 120}
}`
	loaded, err := Load(writeTempConfig(t, cfg))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if loaded.Cache.MaxSize.Bytes() != 2048 || loaded.Cache.MinSize.Bytes() != 16 {
		t.Fatalf("数字大小解析错误: %+v", loaded.Cache)
	}
	if loaded.Cache.MaxTime.DurationValue() != 2*time.Minute {
		t.Fatalf("数字秒值解析错误: %s", loaded.Cache.MaxTime.DurationValue())
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join("testdata", "does-not-exist.json")); err == nil {
		t.Fatalf("缺失的配置文件应返回错误")
	}
}
