// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package schedule 在工作流执行之上提供 cron 定时触发。

# 概述

Trigger 周期扫描到期的 Schedule，为每次触发创建一条 Record 并入队
schedule.fire。Processor 处理该任务：预留并发名额、保存画布快照、
检查积分余额，然后以 SlotReserved 启动执行。执行到达终态时 workflow
发出 schedule.execution_event，Processor 据此把 Record 置为 finish 或
failed，失败时给用户发通知并附上下一次计划触发时间。

重试复用首次触发保存的快照，因此重放的输入与原始触发完全一致。

# 核心类型

  - Schedule / Record   — 定时任务与一次触发
  - Processor           — Process / HandleExecutionEvent / RetryRecord
  - Trigger             — Tick / Run / Stop，分布式锁保证单实例扫描
  - SnapshotStore       — 快照保存到 objectstore，键为 schedules/{user}/{record}/snapshot.json
  - Ledger / GormLedger — 积分余额
  - Notifier            — 失败通知
  - Classify            — 错误到失败原因的映射
*/
package schedule
