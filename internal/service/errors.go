package service

import (
	"errors"
	"net/http"
)

// Kind 对业务错误进行分类，handler 据此决定 HTTP 状态码。
type Kind int

const (
	KindValidation Kind = iota + 1
	KindNotFound
	KindBackend
	KindAuth
	KindForbidden
)

// Error 是 service 层返回给 handler 的错误。Message 可以直接返回给客户端，Err 只用于日志。
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus 返回错误类别对应的状态码。
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindAuth:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func validationError(msg string) *Error { return &Error{Kind: KindValidation, Message: msg} }

func notFoundError(msg string) *Error { return &Error{Kind: KindNotFound, Message: msg} }

func backendError(msg string, err error) *Error {
	return &Error{Kind: KindBackend, Message: msg, Err: err}
}

func authError(msg string, err error) *Error { return &Error{Kind: KindAuth, Message: msg, Err: err} }

// IsKind 判断 err 是否为指定类别的 *Error。
func IsKind(err error, kind Kind) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == kind
}
