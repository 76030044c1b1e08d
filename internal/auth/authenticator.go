package auth

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/taskmgr818/remote-subagent/internal/metrics"
	"github.com/taskmgr818/remote-subagent/internal/model"
)

// Authenticator accepts an issued credential for the presented node id, or
// failing that, a signed token for the same id when a verify key is set.
type Authenticator struct {
	creds    *CredentialStore
	verifier *SignatureVerifier // nil when signed tokens are disabled
	log      *zap.Logger
}

// NewAuthenticator combines the credential store with an optional verifier.
func NewAuthenticator(creds *CredentialStore, verifier *SignatureVerifier, log *zap.Logger) *Authenticator {
	return &Authenticator{creds: creds, verifier: verifier, log: log.Named("auth")}
}

// Authenticate checks the token in an authenticate payload against the id
// it is scoped to. Every failure wraps ErrAuthFailed.
func (a *Authenticator) Authenticate(p *model.AuthPayload) error {
	id := p.CredentialID()
	if id == "" || p.Token == "" {
		return a.fail(id, fmt.Errorf("%w: missing node id or token", ErrAuthFailed))
	}

	err := a.creds.Verify(id, p.Token)
	if err == nil {
		return nil
	}

	if a.verifier != nil {
		signedID, verr := a.verifier.VerifyToken(p.Token)
		if verr == nil && signedID == id {
			return nil
		}
		if verr == nil {
			return a.fail(id, fmt.Errorf("%w: token is scoped to %q", ErrAuthFailed, signedID))
		}
		if errors.Is(err, ErrUnknownNode) {
			err = verr
		}
	}
	return a.fail(id, fmt.Errorf("%w: %v", ErrAuthFailed, err))
}

func (a *Authenticator) fail(id string, err error) error {
	metrics.AuthFailures.Inc()
	a.log.Warn("authentication rejected", zap.String("credentialId", id), zap.Error(err))
	return err
}
