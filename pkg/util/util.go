// Package util 提供通用工具函数
package util

import (
	"math"
	"strings"

	"github.com/google/uuid"
)

// GenerateUUID 生成 UUID
// 使用 Google 的 uuid 库生成 UUID v4
// 返回:
//   - string: UUID 字符串（不含连字符）
func GenerateUUID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// TruncateString 按字符（rune）截断字符串
// 超过 maxLen 个字符时保留前 maxLen 个并追加 "..."
// 参数:
//   - s: 原字符串
//   - maxLen: 最大字符数
//
// 返回:
//   - string: 截断后的字符串
func TruncateString(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}

// Round 四舍五入到指定小数位
func Round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// StringPtr 返回字符串的指针
// 用于可选字段的赋值
func StringPtr(s string) *string {
	return &s
}

// IntPtr 返回 int 的指针
func IntPtr(i int) *int {
	return &i
}

// Float64Ptr 返回 float64 的指针
func Float64Ptr(f float64) *float64 {
	return &f
}

// BoolPtr 返回 bool 的指针
func BoolPtr(b bool) *bool {
	return &b
}
