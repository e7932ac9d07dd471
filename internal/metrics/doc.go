// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的编排指标采集。

# 概述

Collector 通过 promauto.With 在调用方提供的 Registerer 上注册全部指标，
进程里用同一个 Registry 暴露 /metrics，测试里每个用例使用独立的 Registry。
Collector 同时实现 workflow、queue、lock、limiter 与 schedule 的 Observer
接口，各组件只依赖自己的接口，不直接依赖本包。

# 主要指标

  - 执行：启动数（按触发方式）、终态数（按状态与原因）、耗时、节点状态迁移。
  - 队列：按类型与结果的任务数、处理耗时、各状态任务数 Gauge。
  - 协调：锁获取结果、并发名额预留结果。
  - 调度：触发记录状态变化。
  - 连接池：Redis 与数据库连接数。
*/
package metrics
