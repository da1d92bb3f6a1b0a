package token

import (
	"fmt"
	"time"
)

const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour
)

type ManagerConfig struct {
	AccessSecret  string
	RefreshSecret string
	Issuer        string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
}

// Pair is what a successful login, verification or refresh hands back.
type Pair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int    `json:"expiresIn"`
}

// Manager binds the codec to the access and refresh secrets.
type Manager struct {
	codec         *Codec
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.AccessSecret == "" || cfg.RefreshSecret == "" {
		return nil, fmt.Errorf("access and refresh secrets are required")
	}
	if cfg.AccessSecret == cfg.RefreshSecret {
		return nil, fmt.Errorf("access and refresh secrets must differ")
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = DefaultAccessTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}
	return &Manager{
		codec:         NewCodec(cfg.Issuer),
		accessSecret:  []byte(cfg.AccessSecret),
		refreshSecret: []byte(cfg.RefreshSecret),
		accessTTL:     cfg.AccessTTL,
		refreshTTL:    cfg.RefreshTTL,
	}, nil
}

func (m *Manager) IssueAccess(claims Claims) (string, error) {
	return m.codec.Issue(claims, m.accessTTL, m.accessSecret)
}

func (m *Manager) IssueRefresh(claims Claims) (string, error) {
	return m.codec.Issue(claims, m.refreshTTL, m.refreshSecret)
}

func (m *Manager) IssuePair(claims Claims) (*Pair, error) {
	access, err := m.IssueAccess(claims)
	if err != nil {
		return nil, err
	}
	refresh, err := m.IssueRefresh(claims)
	if err != nil {
		return nil, err
	}
	return &Pair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int(m.accessTTL.Seconds()),
	}, nil
}

func (m *Manager) VerifyAccess(tokenString string) *Claims {
	return m.codec.Verify(tokenString, m.accessSecret)
}

func (m *Manager) VerifyRefresh(tokenString string) *Claims {
	return m.codec.Verify(tokenString, m.refreshSecret)
}

func (m *Manager) Decode(tokenString string) *Claims {
	return m.codec.Decode(tokenString)
}

func (m *Manager) AccessTTL() time.Duration  { return m.accessTTL }
func (m *Manager) RefreshTTL() time.Duration { return m.refreshTTL }
