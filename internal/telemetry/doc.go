// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package telemetry 负责 worker 进程的 OpenTelemetry SDK 装配。
// 禁用时保持全局 noop provider，不连接任何外部服务。
package telemetry
