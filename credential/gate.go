package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/driveferry/driveferry/logger"
)

// Gate is the credential checkpoint every job launch passes through. It
// hands out access tokens that are guaranteed to outlive the safety margin,
// refreshing through the provider when they would not. Concurrent launches
// for the same user collapse into a single refresh.
type Gate struct {
	store    *Store
	provider *Provider
	margin   time.Duration

	group singleflight.Group
}

// NewGate creates a credential gate with the given refresh safety margin
func NewGate(store *Store, provider *Provider, margin time.Duration) *Gate {
	return &Gate{
		store:    store,
		provider: provider,
		margin:   margin,
	}
}

// EnsureFresh returns a credential whose access token is valid for at least
// the safety margin, refreshing it if necessary.
func (g *Gate) EnsureFresh(ctx context.Context, userID string) (*Credential, error) {
	cred, err := g.store.Get(userID)
	if err != nil {
		return nil, err
	}

	if !cred.ExpiresWithin(g.margin) {
		return cred, nil
	}

	// Collapse concurrent refreshes for the same user into one exchange
	result, err, _ := g.group.Do(userID, func() (interface{}, error) {
		// Another caller may have refreshed while we waited on the group
		current, err := g.store.Get(userID)
		if err != nil {
			return nil, err
		}
		if !current.ExpiresWithin(g.margin) {
			return current, nil
		}
		return g.refresh(ctx, current)
	})
	if err != nil {
		return nil, err
	}

	return result.(*Credential), nil
}

// refresh exchanges the refresh token and persists the new credential
func (g *Gate) refresh(ctx context.Context, cred *Credential) (*Credential, error) {
	logger.Infow("Refreshing credential",
		"user_id", cred.UserID,
		"expires_at", cred.ExpiresAt)

	fresh, err := g.provider.Refresh(ctx, cred.UserID, cred.RefreshToken)
	if err != nil {
		return nil, err
	}

	if err := g.store.Upsert(fresh); err != nil {
		return nil, err
	}

	logger.Infow("Credential refreshed",
		"user_id", fresh.UserID,
		"expires_at", fresh.ExpiresAt)

	return fresh, nil
}

// CheckAccess verifies a user's credential end to end: fresh token plus a
// live probe against the drive. Every job launch passes through it, so a
// tenant that has not approved access fails before any job state exists;
// the validate endpoint uses the same path.
func (g *Gate) CheckAccess(ctx context.Context, userID string) (*Credential, error) {
	cred, err := g.EnsureFresh(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := g.provider.ProbeAccess(ctx, cred.AccessToken); err != nil {
		return nil, err
	}
	return cred, nil
}

// Save stores a credential obtained out of band (initial authorization)
func (g *Gate) Save(cred *Credential) error {
	return g.store.Upsert(cred)
}

// RunSweep proactively refreshes credentials expiring within the window,
// ticking at the given interval until the context is cancelled. Failures
// are logged and retried on the next tick; a user whose refresh token was
// revoked surfaces the error at their next launch.
func (g *Gate) RunSweep(ctx context.Context, interval, window time.Duration) {
	if interval <= 0 || window <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sweepOnce(ctx, window)
		}
	}
}

func (g *Gate) sweepOnce(ctx context.Context, window time.Duration) {
	creds, err := g.store.ListExpiringWithin(window)
	if err != nil {
		logger.Errorw("Credential sweep failed to list", "error", err)
		return
	}
	if len(creds) == 0 {
		return
	}

	logger.Debugw("Credential sweep", "expiring", len(creds))

	for _, cred := range creds {
		userID := cred.UserID

		// Share the singleflight key with EnsureFresh so a sweep refresh
		// can never race a launch-path refresh for the same user. The
		// re-check inside the group skips users a launch already renewed.
		_, err, _ := g.group.Do(userID, func() (interface{}, error) {
			current, err := g.store.Get(userID)
			if err != nil {
				return nil, err
			}
			if !current.ExpiresWithin(window) {
				return current, nil
			}
			return g.refresh(ctx, current)
		})
		if err != nil {
			logger.Warnw("Credential sweep refresh failed",
				"user_id", userID,
				"error", err)
		}
	}
}

// MaterializeEnv renders a credential as environment variables for the
// transfer process, using the tool's RCLONE_CONFIG_<REMOTE>_* convention.
// Per-job env means the shared tool config on disk is never mutated and two
// users' transfers cannot see each other's tokens.
func MaterializeEnv(remote string, cred *Credential) []string {
	token := map[string]string{
		"access_token":  cred.AccessToken,
		"token_type":    "Bearer",
		"refresh_token": cred.RefreshToken,
		"expiry":        cred.ExpiresAt.Format(time.RFC3339),
	}
	tokenJSON, _ := json.Marshal(token)

	prefix := "RCLONE_CONFIG_" + strings.ToUpper(remote)
	return []string{
		fmt.Sprintf("%s_TOKEN=%s", prefix, tokenJSON),
	}
}
