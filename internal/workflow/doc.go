// Package workflow 定义模板、步骤、计划与执行结果等共享数据模型，
// 以及占位符语法和计划结构校验。匹配器、调度器与会话状态机都只依赖本包。
package workflow
