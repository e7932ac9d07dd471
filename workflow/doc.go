// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package workflow 提供画布工作流的执行编排。

# 概述

一次执行把画布快照准备成一组节点执行记录，起始节点入队运行，
之后由周期性的对账任务（poll）推进：入队父节点已全部完成的节点、
处理超时、重新计算聚合状态，直到执行到达终态。多个 worker 可以同时处理
同一个执行，正确性依赖存储层的条件更新，Redis 锁只用于减少重复劳动。

# 核心类型

  - Prepare            — 纯函数，快照 → 节点记录（拓扑序、初始状态、变量替换）
  - Service            — 编排器：InitializeExecution / RunNode / PollExecution /
    ReportNodeResult / AbortExecution / GetExecutionDetail / ResumeStalled
  - Store / GormStore  — 执行与节点的持久化，所有迁移均为带条件的更新
  - GraphProvider      — 读取画布数据与快照
  - SkillInvoker       — 提交计算节点，结果经 ReportNodeResult 异步回报
  - ExecutionEvent     — 定时触发的执行到达终态时发往调度处理器

# 状态

节点：init/waiting → executing → finish|failed。执行：executing → finish|failed，
失败原因为 node_failed、timeout 或 aborted。执行到达终态后，对其节点的任何写入
都是空操作。
*/
package workflow
