// Package config 加载 relayd 的 YAML/JSON 配置，补齐默认值，并允许用
// RELAY_* 环境变量覆盖密钥材料和连接串。
package config
