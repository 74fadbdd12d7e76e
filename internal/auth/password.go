package auth

import (
	"golang.org/x/crypto/bcrypt"

	"github.com/kuaigeyun/kuaigeyun-sub011/internal/apperr"
)

// MinPasswordLength 最短密码长度
const MinPasswordLength = 6

// HashPassword bcrypt 哈希
func HashPassword(password string) (string, error) {
	if len(password) < MinPasswordLength {
		return "", apperr.New(apperr.Validation, "password must be at least %d characters", MinPasswordLength).
			WithDetail("field", "password")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", apperr.New(apperr.Validation, "invalid password").WithDetail("field", "password")
	}
	return string(h), nil
}

// CheckPassword 校验密码
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
