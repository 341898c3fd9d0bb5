package lobby

import (
	"google.golang.org/grpc/codes"
)

// ErrorWithCode : gRPCのcodeを持ったerror.
// クライアントへの失敗通知と内部ログの切り分けに使う.
type ErrorWithCode interface {
	error
	Code() codes.Code
}

type errorWithCode struct {
	error
	code codes.Code
}

func WithCode(err error, code codes.Code) ErrorWithCode {
	if err == nil {
		return nil
	}
	return errorWithCode{err, code}
}

func (e errorWithCode) Code() codes.Code {
	return e.code
}

func (e errorWithCode) Unwrap() error {
	return e.error
}

// Code : errからgRPCコードを取り出す. 不明ならInternal.
func Code(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	if ewc, ok := err.(ErrorWithCode); ok {
		return ewc.Code()
	}
	return codes.Internal
}
