package service

import (
	"wace-auth/internal/audit"
	"wace-auth/internal/hashing"
	"wace-auth/internal/notifier"
	"wace-auth/internal/otp"
	"wace-auth/internal/ratelimit"
	"wace-auth/internal/store"
	"wace-auth/internal/token"

	"go.uber.org/zap"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	store       *store.Store
	hasher      *hashing.Hasher
	tokens      *token.Manager
	otpEngine   *otp.Engine
	limiter     *ratelimit.Limiter
	notifier    notifier.Notifier
	audit       audit.Recorder
	opts        Options
	logger      *zap.Logger
	authService *AuthService
}

// NewServiceFactory creates a new service factory
func NewServiceFactory(
	st *store.Store,
	hasher *hashing.Hasher,
	tokens *token.Manager,
	otpEngine *otp.Engine,
	limiter *ratelimit.Limiter,
	n notifier.Notifier,
	rec audit.Recorder,
	opts Options,
	logger *zap.Logger,
) *ServiceFactory {
	return &ServiceFactory{
		store:     st,
		hasher:    hasher,
		tokens:    tokens,
		otpEngine: otpEngine,
		limiter:   limiter,
		notifier:  n,
		audit:     rec,
		opts:      opts,
		logger:    logger,
	}
}

// AuthService returns the auth service instance (singleton)
func (f *ServiceFactory) AuthService() *AuthService {
	if f.authService == nil {
		f.authService = NewAuthService(
			f.store,
			f.hasher,
			f.tokens,
			f.otpEngine,
			f.limiter,
			f.notifier,
			f.audit,
			f.opts,
			f.logger,
		)
	}
	return f.authService
}

// Cleanup waits for in-flight background work of the services
func (f *ServiceFactory) Cleanup() {
	if f.authService != nil {
		f.authService.Wait()
	}
}
