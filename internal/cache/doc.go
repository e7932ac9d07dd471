// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 管理 worker 进程共享的 Redis 连接。

# 概述

Manager 在启动时建立连接并 Ping 确认可用，之后后台定时做健康检查，
状态变化时通过 zap 记录。分布式锁、并发限流器与任务队列都从
Manager.Client 取得同一个客户端，连接池参数在这里统一配置。

# 核心类型

  - Manager：连接管理器，提供 Client/Ping/Healthy/Close/PoolStats。
  - Config：地址、密码、连接池大小、拨号超时与健康检查间隔。
  - Stats：连接池命中、超时与连接数统计。
*/
package cache
