package main

import (
	"context"
	"fmt"
)

// Account is the resolved signed-in identity. ID is the stable key from
// Graph /me and the sole field used for change detection; the display
// fields are cosmetic.
type Account struct {
	ID            string `json:"id"`
	PrincipalName string `json:"upn,omitempty"`
	DisplayName   string `json:"displayName,omitempty"`
}

// Label returns the best human-readable name for the account.
func (a *Account) Label() string {
	switch {
	case a == nil:
		return ""
	case a.DisplayName != "":
		return a.DisplayName
	case a.PrincipalName != "":
		return a.PrincipalName
	default:
		return a.ID
	}
}

// AccountResolver translates a fresh access token into an identity and
// decides whether cached identity-scoped data must be purged. Data cached
// for one account must never survive a switch to another.
type AccountResolver struct {
	store *Store
	bus   *Bus
	graph *GraphClient
}

// NewAccountResolver creates an account resolver.
func NewAccountResolver(store *Store, bus *Bus, graph *GraphClient) *AccountResolver {
	return &AccountResolver{store: store, bus: bus, graph: graph}
}

// ResolveIdentity fetches the profile behind the token and maps it into an
// Account.
func (r *AccountResolver) ResolveIdentity(ctx context.Context, token string) (*Account, error) {
	profile, err := r.graph.Me(ctx, token)
	if err != nil {
		return nil, err
	}
	return &Account{
		ID:            profile.ID,
		PrincipalName: profile.UserPrincipalName,
		DisplayName:   profile.DisplayName,
	}, nil
}

// HandleLogin runs after every successful interactive login (not after
// silent refreshes): it resolves the identity, persists it, and — when the
// account differs from the previously cached one — purges all
// identity-scoped caches and broadcasts the change. Returns the account and
// whether a switch was detected.
func (r *AccountResolver) HandleLogin(ctx context.Context, accessToken string) (*Account, bool, error) {
	account, err := r.ResolveIdentity(ctx, accessToken)
	if err != nil {
		return nil, false, fmt.Errorf("account resolution failed: %w", err)
	}

	prev, err := r.store.GetAccount()
	if err != nil {
		return nil, false, err
	}
	changed := prev == nil || prev.ID != account.ID

	// Always persist: display fields may have changed even for the same id.
	if err := r.store.SetAccount(account); err != nil {
		return nil, false, err
	}

	if changed {
		if err := r.store.ClearUserScopedData(); err != nil {
			return account, true, err
		}
		_ = r.bus.Publish(Event{Action: ActionAccountChanged, Account: account})
	}

	return account, changed, nil
}

// HandleLogout clears the persisted account and every identity-scoped
// cache, then broadcasts sign-out. Unconditional: stale caches must not
// outlive the session that produced them.
func (r *AccountResolver) HandleLogout() error {
	if err := r.store.ClearAccount(); err != nil {
		return err
	}
	if err := r.store.ClearUserScopedData(); err != nil {
		return err
	}
	_ = r.bus.Publish(Event{Action: ActionAccountChanged, Account: nil})
	_ = r.bus.Publish(Event{Action: ActionLogoutCompleted})
	return nil
}
