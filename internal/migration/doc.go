// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 migration 基于 golang-migrate 管理 CanvasFlow 的数据库 Schema，
支持 PostgreSQL、MySQL 与 SQLite。

各方言的 SQL 文件内嵌在 migrations/<dialect>/ 下，版本号在三种方言间
保持一致。Migrator 提供 Up/Down/Goto/Force/Status/Info，RunCommand
为 `canvasflow migrate` 子命令提供格式化输出。

生产环境应使用迁移而非 gorm AutoMigrate；AutoMigrate 仅在
worker.auto_migrate 打开时用于本地开发。
*/
package migration
