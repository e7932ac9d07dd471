// Copyright 2026 CanvasFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package testutil 提供 CanvasFlow 测试的共享工具和辅助函数。

# 核心能力

  - 上下文辅助: TestContext，自动注册 Cleanup 防止泄漏
  - Redis: NewRedis 基于 miniredis，锁、限流器与队列测试共用
  - 数据库: NewDB 基于纯 Go SQLite（glebarez/sqlite），按需 AutoMigrate
  - 时钟: Clock 可手动推进，驱动执行超时与节点超时测试
  - 异步断言: AssertEventuallyTrue
*/
package testutil
