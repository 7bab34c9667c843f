// Package actor 实现每个群组唯一的 GroupActor。
//
// 每个 actor 拥有一个 mailbox goroutine，所有读写都在其中串行执行，
// 因此消息日志对同一群组是全序且只追加的。用户消息写入后，actor 使用
// 会话私钥为每个 agent runtime 签发访问令牌并调用 runner，成功的回复
// 追加到日志，失败的调用记录在 DispatchReport 中而不会中断请求。
//
// Host 按 actor id 懒加载 actor，并对外提供内部 HTTP 接口：
//
//	POST /actors/{id}/init
//	GET  /actors/{id}/messages
//	POST /actors/{id}/messages
//	GET  /actors/{id}/ws
package actor
