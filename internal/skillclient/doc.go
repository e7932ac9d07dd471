// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package skillclient 是技能调用服务的 HTTP 客户端。
// Invoke 只提交任务，节点完成情况由技能服务回调 ReportNodeResult。
package skillclient
