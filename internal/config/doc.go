// Package config 负责加载并校验 farmd 的 JSON 配置文件。
// 配置是不可变的：Load 返回后各组件只读取、不修改。
package config
