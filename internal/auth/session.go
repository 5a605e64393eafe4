package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/sessions"
	"golang.org/x/crypto/bcrypt"
)

const sessionName = "portprobe_auth"

// ErrInvalidCredentials 表示用户名或密码错误。
var ErrInvalidCredentials = errors.New("invalid credentials")

// ErrUnauthorised 表示请求未携带有效会话。
var ErrUnauthorised = errors.New("unauthorised")

// Manager 负责管理员登录会话。密码为空时不启用认证。
type Manager struct {
	username     string
	passwordHash []byte
	cookie       sessions.Store
}

// NewManager 对管理员密码做 bcrypt 哈希，并使用会话密钥创建 cookie 存储。
func NewManager(username, password string, sessionKey []byte) (*Manager, error) {
	m := &Manager{username: username}
	if password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
		m.passwordHash = hash
	}

	cookieStore := sessions.NewCookieStore(sessionKey)
	cookieStore.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   60 * 60 * 12, // 12 小时
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
	m.cookie = cookieStore
	return m, nil
}

// Enabled 表示是否需要登录。
func (m *Manager) Enabled() bool {
	return len(m.passwordHash) > 0
}

// Authenticate 校验凭证并写入会话信息。
func (m *Manager) Authenticate(w http.ResponseWriter, r *http.Request, username, password string) error {
	if !m.Enabled() {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(username), []byte(m.username)) != 1 {
		return ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword(m.passwordHash, []byte(password)) != nil {
		return ErrInvalidCredentials
	}
	session, _ := m.cookie.Get(r, sessionName)
	session.Values["username"] = m.username
	return session.Save(r, w)
}

// Logout 清理当前会话。
func (m *Manager) Logout(w http.ResponseWriter, r *http.Request) error {
	session, _ := m.cookie.Get(r, sessionName)
	session.Options.MaxAge = -1
	return session.Save(r, w)
}

// Username 获取当前登录的用户名；未登录返回空字符串。
func (m *Manager) Username(r *http.Request) string {
	session, err := m.cookie.Get(r, sessionName)
	if err != nil {
		return ""
	}
	if uname, ok := session.Values["username"].(string); ok {
		return uname
	}
	return ""
}

// RequireUser 在启用认证时要求请求具备有效会话。
func (m *Manager) RequireUser(r *http.Request) error {
	if !m.Enabled() {
		return nil
	}
	if m.Username(r) == "" {
		return ErrUnauthorised
	}
	return nil
}

// Middleware 拒绝未登录的请求，onDenied 负责写出响应。
func (m *Manager) Middleware(onDenied http.HandlerFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := m.RequireUser(r); err != nil {
				onDenied(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
