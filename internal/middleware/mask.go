package middleware

import "strings"

// MaskID маскирует id чата или ключ в логах: видны только первые 4 символа.
// Режет по рунам, чтобы не разорвать многобайтовый символ.
func MaskID(s string) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= 4 {
		return "****"
	}
	return string(r[:4]) + "***"
}
