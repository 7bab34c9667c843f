// Package gateway 是面向客户端的公共入口，同时承担编排器的职责：
// 激活群组（签发会话证书并初始化 actor）、签发路由令牌，以及在校验
// 路由令牌后把历史、发送和 WebSocket 请求转发给对应的 GroupActor。
package gateway
