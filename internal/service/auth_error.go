package service

import (
	"errors"
	"fmt"
)

// AuthErrorCode 是登录失败的分类。
type AuthErrorCode string

const (
	CodeInvalidEmail        AuthErrorCode = "invalid_email"
	CodeWrongPassword       AuthErrorCode = "wrong_password"
	CodeUserNotFound        AuthErrorCode = "user_not_found"
	CodeUserDisabled        AuthErrorCode = "user_disabled"
	CodeNetworkFailure      AuthErrorCode = "network_failure"
	CodeTooManyAttempts     AuthErrorCode = "too_many_attempts"
	CodePopupCancelled      AuthErrorCode = "popup_cancelled"
	CodeEmailAlreadyInUse   AuthErrorCode = "email_already_in_use"
	CodeWeakPassword        AuthErrorCode = "weak_password"
	CodeOperationNotAllowed AuthErrorCode = "operation_not_allowed"
	CodeInvalidToken        AuthErrorCode = "invalid_token"
	CodeInternal            AuthErrorCode = "internal"
)

var authMessages = map[AuthErrorCode]string{
	CodeInvalidEmail:        "Format email tidak valid.",
	CodeWrongPassword:       "Email atau kata sandi salah.",
	CodeUserNotFound:        "Akun tidak ditemukan.",
	CodeUserDisabled:        "Akun ini telah dinonaktifkan.",
	CodeNetworkFailure:      "Gagal terhubung ke server. Periksa koneksi Anda lalu coba lagi.",
	CodeTooManyAttempts:     "Terlalu banyak percobaan masuk. Silakan coba lagi nanti.",
	CodePopupCancelled:      "Login dibatalkan.",
	CodeEmailAlreadyInUse:   "Email sudah terdaftar.",
	CodeWeakPassword:        "Kata sandi minimal 6 karakter.",
	CodeOperationNotAllowed: "Metode login ini tidak diaktifkan.",
	CodeInvalidToken:        "Sesi tidak valid atau sudah berakhir. Silakan masuk kembali.",
	CodeInternal:            "Terjadi kesalahan tidak dikenal.",
}

// AuthError 是凭证网关返回的分类错误。Err 保存底层原因，仅用于日志。
type AuthError struct {
	Code AuthErrorCode
	Err  error
}

func newAuthError(code AuthErrorCode, err error) *AuthError {
	return &AuthError{Code: code, Err: err}
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %s: %v", e.Code, e.Err)
	}
	return "auth: " + string(e.Code)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Message 返回可展示给用户的提示。
func (e *AuthError) Message() string {
	if msg, ok := authMessages[e.Code]; ok {
		return msg
	}
	return authMessages[CodeInternal]
}

// AsAuthError 把任意错误归类为 *AuthError，未分类的错误视为 internal。
func AsAuthError(err error) *AuthError {
	if err == nil {
		return nil
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr
	}
	return newAuthError(CodeInternal, err)
}
