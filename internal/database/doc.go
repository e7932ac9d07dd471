// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 负责打开关系库并管理连接池，编排器与调度器的 gorm 存储都建在它之上。

# 概述

Open 按 config.DatabaseConfig 的驱动类型（postgres、mysql、sqlite）
选择 gorm 方言并配置连接池。PoolManager 持有 gorm.DB 与底层 sql.DB，
后台定时探活，关闭时先停止健康检查再释放连接。

# 核心类型

  - PoolManager：连接池管理器，提供 DB()、Ping()、GetStats()、Close()。
  - PoolConfig：最大空闲/打开连接数、连接生命周期与健康检查间隔。
  - TransactionFunc：事务回调函数类型。

# 事务

WithTransactionRetry 在事务中执行回调，遇到死锁、序列化失败、
连接中断或 SQLite 忙锁时指数退避重试，其他错误直接返回。
执行初始化时批量写入 Execution 与 NodeExecution 就走这条路径。
*/
package database
