// Package apperr 定义跨层使用的错误分类，取代按错误文本归类。
package apperr

import (
	"errors"
	"fmt"
)

// Kind 机器可读的错误类别。
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindInProgress
	KindResolutionFailed
	KindStorage
	KindTransitionRejected
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindInProgress:
		return "in_progress"
	case KindResolutionFailed:
		return "resolution_failed"
	case KindStorage:
		return "storage"
	case KindTransitionRejected:
		return "transition_rejected"
	default:
		return "internal"
	}
}

// Error 携带类别、操作名与底层错误。
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Op + ": " + e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New 创建不带底层错误的分类错误。
func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Newf 同 New，支持格式化。
func Newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap 为已有错误附加类别。已分类的错误保持原类别，只补充操作名。
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return &Error{Kind: ae.Kind, Op: op, Err: err}
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf 返回错误链上第一个分类；未分类错误视为 KindInternal。
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// Is 判断错误是否属于指定类别。
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message 返回适合展示给调用方的信息。
func Message(err error) string {
	if err == nil {
		return ""
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		if ae, ok := e.(*Error); ok && ae.Msg != "" {
			return ae.Msg
		}
	}
	return err.Error()
}
