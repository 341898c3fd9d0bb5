package common

const (
	HostStatusStarting = 0
	HostStatusRunning  = 1
	HostStatusClosing  = 2

	// CodeAlphabet : 部屋コードに使う文字.
	// 紛らわしい文字 (O, I, L, S, Z) は数字側に寄せてある. see NormalizeCode
	CodeAlphabet = "ABCDEFGHJKMNPQRTUVWXY0123456789"

	CodePattern = "^[A-Z0-9]+$"
)
