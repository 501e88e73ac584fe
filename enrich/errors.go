package enrich

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDuplicateEvent 不是错误，只用于日志和上报：同一个 event key 已经入队
	ErrDuplicateEvent = errors.New("duplicate event")
	// ErrInvalidEvent 表示入站事件缺少必要字段
	ErrInvalidEvent = errors.New("invalid inbound event")
	// ErrClientNotFound 表示租户不存在
	ErrClientNotFound = errors.New("client not found")
	// ErrClientDisabled 表示租户已被停用
	ErrClientDisabled = errors.New("client disabled")
	// ErrBusy 表示本实例已有一次批处理正在运行
	ErrBusy = errors.New("batch run already in progress")
)

// CredentialError 对本次尝试是终止性的，但仍然计入尝试次数，按退避策略重试
type CredentialError struct {
	ClientID string
	Err      error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("credentials for client %s: %v", e.ClientID, e.Err)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// ValidationFieldError 是单个字段组的校验失败，只记录不中断
type ValidationFieldError struct {
	Group FieldGroup
	Err   error
}

func (e *ValidationFieldError) Error() string {
	return fmt.Sprintf("validate %s: %v", e.Group, e.Err)
}

func (e *ValidationFieldError) Unwrap() error { return e.Err }

// SubmissionError 表示写回 CRM 失败，整体按退避策略重试
type SubmissionError struct {
	Err error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit fields: %v", e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// TimeoutError 表示单条记录超时或批处理被取消，重试语义与 SubmissionError 相同
type TimeoutError struct {
	After time.Duration
	Cause error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("item abandoned after %s: %v", e.After, e.Cause)
}

func (e *TimeoutError) Unwrap() error { return e.Cause }
