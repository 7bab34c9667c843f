// Package api 提供网关、actor 与 runner 共用的 HTTP 基础设施：
// 带优雅关闭的服务启动、JSON 编解码以及统一的错误响应。
package api
