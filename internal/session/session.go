package session

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	chatErrors "github.com/yourjinKR/myFitSync-sub000/internal/errors"
)

var (
	ErrTokenInvalid = errors.New("token is invalid")
	ErrTokenExpired = errors.New("token has expired")
)

// Session 当前登录用户
// 发送者身份唯一来源，登出后清空
type Session struct {
	mu       sync.RWMutex
	memberID int64
	token    string
}

// New 创建空会话
func New() *Session {
	return &Session{}
}

// Set 设置已解析的成员 ID 与访问令牌
func (s *Session) Set(memberID int64, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memberID = memberID
	s.token = token
}

// SetToken 从 JWT 解析成员 ID 并保存
func (s *Session) SetToken(token string) error {
	memberID, err := FromToken(token, time.Now())
	if err != nil {
		return err
	}
	s.Set(memberID, token)
	return nil
}

// Clear 登出
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memberID = 0
	s.token = ""
}

// Token 当前访问令牌，可能为空
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Identity 实现 protocol.IdentityResolver
func (s *Session) Identity() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.memberID <= 0 {
		return 0, chatErrors.ErrIdentityUnresolved
	}
	return s.memberID, nil
}

// FromToken 从 JWT subject 取成员 ID
// 客户端不持有签名密钥，只做未校验解析，过期的令牌仍然拒绝
func FromToken(token string, now time.Time) (int64, error) {
	if token == "" {
		return 0, ErrTokenInvalid
	}

	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return 0, ErrTokenInvalid
	}

	if claims.ExpiresAt != nil && !now.Before(claims.ExpiresAt.Time) {
		return 0, ErrTokenExpired
	}

	memberID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || memberID <= 0 {
		return 0, ErrTokenInvalid
	}
	return memberID, nil
}
