// Package config 负责加载 FlowPilot 的运行配置：YAML/JSON 文件、FLOWPILOT_ 前缀的
// 环境变量覆盖以及默认值。没有配置文件时使用默认值，全部组件运行在内存中。
package config
