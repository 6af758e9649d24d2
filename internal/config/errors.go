package config

import "fmt"

// ConfigError 提供字段路径与错误原因，属于启动期致命错误，便于 CLI 向运维反馈。
type ConfigError struct {
	Field  string
	Reason string
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// newConfigError 创建包含字段路径与原因的 error，便于 CLI 定位。
func newConfigError(field, reason string) error {
	return ConfigError{Field: field, Reason: reason}
}

// ruleField 用于拼接规则级字段路径，输出 proxies[/img].target 形式。
func ruleField(idx int, prefix, field string) string {
	if prefix == "" {
		return fmt.Sprintf("proxies[#%d].%s", idx, field)
	}
	return fmt.Sprintf("proxies[%s].%s", prefix, field)
}
