// Package web3 定义链访问的通用接口与链配置的解析。
// 具体的 EVM 实现位于 ethereum 子包，多链装配位于 provider 子包。
package web3
