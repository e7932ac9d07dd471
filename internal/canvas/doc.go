// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package canvas 提供基于本地文件的画布数据源，供独立部署
// 与 CLI 使用。文件格式为 JSON 或 YAML，结构同 workflow.RawGraph。
package canvas
