// Package config 提供 CanvasFlow 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量 的顺序合并，
// 覆盖工作进程、Redis、数据库、执行超时、队列与调度等参数。
package config
