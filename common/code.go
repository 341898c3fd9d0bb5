package common

import (
	"math/rand"
	"regexp"
	"strings"
)

var codeRe = regexp.MustCompile(CodePattern)

// ValidCode : 正規化済みの部屋コードとして妥当な形式か. see CodePattern
func ValidCode(code string) bool {
	return codeRe.MatchString(code)
}

// GenerateCode : 部屋コード候補を生成する.
// 一意性は呼び出し側(Registryのloop-and-check)で保証する.
func GenerateCode(length int) string {
	var b strings.Builder
	b.Grow(length)
	for i := 0; i < length; i++ {
		b.WriteByte(CodeAlphabet[rand.Intn(len(CodeAlphabet))])
	}
	return b.String()
}

// NormalizeCode : ユーザ入力の部屋コードを正規化する.
// 前後空白を落として大文字化し、コードに使われない紛らわしい文字を
// 実際にコードに現れる文字に置き換える (O->0, I/L->1, S->5, Z->2).
func NormalizeCode(input string) string {
	s := strings.ToUpper(strings.TrimSpace(input))
	if s == "" {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case 'O':
			c = '0'
		case 'I', 'L':
			c = '1'
		case 'S':
			c = '5'
		case 'Z':
			c = '2'
		}
		b.WriteByte(c)
	}
	return b.String()
}
