package token

import "errors"

var (
	// ErrInvalidCredential ST 无效、已过期或无法获取账号信息
	ErrInvalidCredential = errors.New("invalid session token")
	// ErrDuplicateCredential ST 已登记
	ErrDuplicateCredential = errors.New("session token already registered")
	// ErrCredentialNotFound Token 不存在
	ErrCredentialNotFound = errors.New("token not found")
	// ErrProjectCreationFailed 创建项目失败
	ErrProjectCreationFailed = errors.New("failed to create project")
)
