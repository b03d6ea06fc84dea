// Package auth 负责网关的 Bearer Token 签发与解析。
package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims 令牌中携带的身份信息
type Claims struct {
	UserID string `json:"uid"`
	jwt.RegisteredClaims
}

// SignJWT 签发 HS256 令牌
func SignJWT(secret, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	cl := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, cl).SignedString([]byte(secret))
}

// ParseJWT 校验签名与过期时间；uid 为空时回退到 sub
func ParseJWT(secret, token string) (*Claims, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	cl := &Claims{}
	_, err := jwt.ParseWithClaims(token, cl, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, errors.Join(ErrInvalidToken, err)
	}
	if cl.UserID == "" {
		cl.UserID = cl.Subject
	}
	if cl.UserID == "" {
		return nil, ErrInvalidToken
	}
	return cl, nil
}

// BearerToken 从 Authorization 头或 token 查询参数取令牌
func BearerToken(header, query string) string {
	if query != "" {
		return query
	}
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}
