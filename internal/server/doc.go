// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 提供 worker 进程的运维 HTTP 端口。

# 核心类型

  - Manager：封装 net/http.Server，提供非阻塞 Start、幂等 Shutdown
    与异步错误通道。
  - NewOpsHandler：挂载 /metrics（Prometheus）、/healthz（存活）
    与 /readyz（逐项执行 Check，任一失败返回 503）。
*/
package server
