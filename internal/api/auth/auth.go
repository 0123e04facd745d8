// Package auth 签发并校验访问令牌。
//
// 登录流程不在本服务内，令牌由运维通过 stockctl token 签发。
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"stockwatch/internal/model"
)

// DefaultTTL 令牌默认有效期。
const DefaultTTL = 24 * time.Hour

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrInvalidRole  = errors.New("invalid role")
)

type customClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// Identity 是令牌中携带的调用方身份。
type Identity struct {
	UserID uint
	Role   string
}

// IsAdmin 是否为管理员。
func (i Identity) IsAdmin() bool {
	return i.Role == model.RoleAdmin
}

// NormalizeRole 统一角色写法，空值视为普通用户。
func NormalizeRole(role string) (string, error) {
	role = strings.TrimSpace(strings.ToLower(role))
	switch role {
	case "":
		return model.RoleUser, nil
	case model.RoleAdmin, model.RoleUser:
		return role, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidRole, role)
}

// IssueToken 签发 HS256 令牌。ttl <= 0 时使用 DefaultTTL。
func IssueToken(secret string, userID uint, role string, ttl time.Duration) (string, error) {
	if userID == 0 {
		return "", errors.New("user id required")
	}
	role, err := NormalizeRole(role)
	if err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := time.Now()
	claims := customClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(uint64(userID), 10),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Role: role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken 校验签名与有效期并取出身份。
func ParseToken(secret, tokenStr string) (Identity, error) {
	claims := &customClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return Identity{}, ErrInvalidToken
	}
	uid, err := strconv.ParseUint(claims.Subject, 10, 64)
	if err != nil || uid == 0 {
		return Identity{}, ErrInvalidToken
	}
	role, err := NormalizeRole(claims.Role)
	if err != nil {
		return Identity{}, ErrInvalidToken
	}
	return Identity{UserID: uint(uid), Role: role}, nil
}
