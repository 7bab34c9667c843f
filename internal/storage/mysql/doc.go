// Package mysql 提供基于 MySQL 的持久化实现：目录数据（agent、模型、
// 密文、MCP 服务器、群组成员）、群组会话、actor 状态以及审计事件。
// 表结构由 deploy/migrations 中嵌入的 SQL 文件在 Open 时自动迁移。
package mysql
