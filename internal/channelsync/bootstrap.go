package channelsync

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// BootstrapGrant is the second half of the entity onboarding handshake:
// the caller returns the session handle it was issued together with the
// entity and credential obtained from the provider's consent flow.
type BootstrapGrant struct {
	SessionHandle string `json:"sessionHandle"`
	EntityID      string `json:"entityId"`
	Credential    string `json:"credential"`
}

// Bootstrap runs entity onboarding. A short-lived single-use session
// binds the consent flow to the owner that started it, so a leaked
// completion URL cannot attach an entity to someone else's account.
type Bootstrap struct {
	Sessions    SessionStore
	Credentials CredentialStore
	Store       *Store
	SessionTTL  time.Duration
	Logger      zerolog.Logger
}

func (b *Bootstrap) StartSession(ctx context.Context, ownerRef string) (string, error) {
	ownerRef = strings.TrimSpace(ownerRef)
	if ownerRef == "" {
		return "", ErrInvalidInput
	}
	ttl := b.SessionTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	handle, err := b.Sessions.Create(ctx, ownerRef, ttl)
	if err != nil {
		return "", errors.Wrap(err, "bootstrap: create session")
	}
	return handle, nil
}

// Complete consumes the session and registers the entity. The session
// is invalidated before any writes happen, so replaying the same grant
// fails even when a later step errored out.
func (b *Bootstrap) Complete(ctx context.Context, grant BootstrapGrant) (string, error) {
	if strings.TrimSpace(grant.SessionHandle) == "" ||
		strings.TrimSpace(grant.EntityID) == "" ||
		strings.TrimSpace(grant.Credential) == "" {
		return "", ErrInvalidInput
	}
	ownerRef, err := b.Sessions.Resolve(ctx, grant.SessionHandle)
	if err != nil {
		if stderrors.Is(err, ErrSessionInvalid) {
			return "", ErrSessionInvalid
		}
		return "", errors.Wrap(err, "bootstrap: resolve session")
	}
	if err := b.Sessions.Invalidate(ctx, grant.SessionHandle); err != nil {
		return "", errors.Wrap(err, "bootstrap: invalidate session")
	}
	if err := b.RegisterEntity(ctx, grant.EntityID, ownerRef, grant.Credential); err != nil {
		return "", err
	}
	b.Logger.Info().
		Str("entity_id", grant.EntityID).
		Str("owner_ref", ownerRef).
		Msg("bootstrap: entity registered")
	return ownerRef, nil
}

// RegisterEntity stores the credential and ownership for an entity.
// Exposed separately for trusted callers that already authenticated the
// owner out of band.
func (b *Bootstrap) RegisterEntity(ctx context.Context, entityID, ownerRef, credential string) error {
	if err := b.Credentials.Put(ctx, CredentialKey(entityID), credential, KindCredential); err != nil {
		return errors.Wrap(err, "bootstrap: store credential")
	}
	if err := b.Credentials.Put(ctx, OwnerRefKey(entityID), ownerRef, KindOwnerRef); err != nil {
		return errors.Wrap(err, "bootstrap: store owner ref")
	}
	if err := b.Store.SetEntityOwner(entityID, ownerRef); err != nil {
		return errors.Wrap(err, "bootstrap: record owner")
	}
	return nil
}
