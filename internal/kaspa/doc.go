// Package kaspa 汇总 Kaspa 网络相关的静态知识：网络配置档、地址前缀、
// API 节点的网络推断，以及 sompi 与 KAS 之间的换算。
package kaspa
