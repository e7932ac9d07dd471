// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Command canvasflow 是画布工作流编排的 worker 进程。
//
// worker 子命令连接 Redis 与数据库，注册 workflow.run_node、
// workflow.poll_execution、workflow.node_result、schedule.fire 与
// schedule.execution_event 五类任务，运行定时触发器，并在
// worker.metrics_port 上提供 /metrics、/healthz、/readyz。
package main
