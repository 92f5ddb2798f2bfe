package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"gamedo/pkg/auth"
	"gamedo/pkg/directory"
	"gamedo/pkg/domain"
	"gamedo/pkg/store"
)

// NewAccount is the input of CreateAccount.
type NewAccount struct {
	Username string
	Password string
	Role     domain.Role
	Phone    string
}

// Session is the result of a login, whichever path served it.
type Session struct {
	Account domain.Account    `json:"account"`
	Mode    Mode              `json:"mode"`
	Remote  directory.Session `json:"remote"`
}

// accountProfile is the remote document that carries the stored role.
type accountProfile struct {
	ID        string      `json:"id"`
	Username  string      `json:"username"`
	Role      domain.Role `json:"role"`
	Phone     string      `json:"phone,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
}

// CreateAccount registers a credential remotely and mirrors it locally. When the
// remote is unreachable the account is created in the local store only.
func (g *Gateway) CreateAccount(ctx context.Context, in NewAccount) (domain.Account, Mode, error) {
	username := normalizeUsername(in.Username)
	if err := auth.ValidateUsername(username); err != nil {
		return domain.Account{}, "", fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if err := auth.ValidatePassword(in.Password); err != nil {
		return domain.Account{}, "", fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if !in.Role.Valid() {
		return domain.Account{}, "", fmt.Errorf("%w: role must be student or teacher", domain.ErrInvalidInput)
	}
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return domain.Account{}, "", fmt.Errorf("hash password: %w", err)
	}
	now := g.now().UTC()
	account := domain.Account{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: hash,
		Role:         in.Role,
		Phone:        in.Phone,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err = g.remote.CreateCredential(ctx, g.identity(username), in.Password)
	if err == nil {
		g.writeProfile(ctx, account)
		// The remote accepted the identity, so its record replaces any stale local one.
		if err := g.local.Put(ctx, store.CollectionCredentials, username, account); err != nil {
			return domain.Account{}, "", fmt.Errorf("mirror account: %w", err)
		}
		return account, ModeRemote, nil
	}
	if !shouldFallBack(err, domain.ErrAlreadyExists, domain.ErrInvalidInput) {
		return domain.Account{}, "", err
	}
	logFallback("create_account", username, err)

	g.credMu.Lock()
	defer g.credMu.Unlock()
	var existing domain.Account
	found, err := g.local.Get(ctx, store.CollectionCredentials, username, &existing)
	if err != nil {
		return domain.Account{}, "", err
	}
	if found {
		return domain.Account{}, "", domain.ErrAlreadyExists
	}
	if err := g.local.Put(ctx, store.CollectionCredentials, username, account); err != nil {
		return domain.Account{}, "", err
	}
	return account, ModeLocal, nil
}

// Login verifies credentials remotely, falling back to a scan of cached
// accounts when the remote is unreachable. A remote rejection is final.
func (g *Gateway) Login(ctx context.Context, username, password string) (Session, error) {
	username = normalizeUsername(username)
	if username == "" || password == "" {
		return Session{}, domain.ErrInvalidCredential
	}
	remote, err := g.remote.VerifyCredential(ctx, g.identity(username), password)
	if err == nil {
		account, err := g.accountForRemoteLogin(ctx, username)
		if err != nil {
			return Session{}, err
		}
		return Session{Account: account, Mode: ModeRemote, Remote: remote}, nil
	}
	if !shouldFallBack(err, domain.ErrInvalidCredential, domain.ErrInvalidInput) {
		return Session{}, err
	}
	logFallback("login", username, err)

	account, ok, err := g.findLocalCredential(ctx, username, password)
	if err != nil {
		return Session{}, err
	}
	if !ok {
		return Session{}, domain.ErrInvalidCredential
	}
	return Session{Account: account, Mode: ModeLocal}, nil
}

// ChangePassword updates the secret remotely when a remote session exists and
// mirrors it locally. Without a usable remote session only the cached account is
// updated, which is also how a forgotten password is reset offline.
func (g *Gateway) ChangePassword(ctx context.Context, username string, remote directory.Session, newPassword string) (Mode, error) {
	username = normalizeUsername(username)
	if err := auth.ValidatePassword(newPassword); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	hash, err := auth.HashPassword(newPassword)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}

	if remote.Token != "" {
		err := g.remote.UpdateSecret(ctx, remote, newPassword)
		if err == nil {
			if _, err := g.updateLocalHash(ctx, username, hash); err != nil {
				return "", fmt.Errorf("mirror password: %w", err)
			}
			return ModeRemote, nil
		}
		if !shouldFallBack(err, domain.ErrInvalidInput) {
			return "", err
		}
		logFallback("change_password", username, err)
	}

	found, err := g.updateLocalHash(ctx, username, hash)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("user %q: %w", username, domain.ErrNotFound)
	}
	return ModeLocal, nil
}

// LocalAccounts lists cached accounts in no particular order.
func (g *Gateway) LocalAccounts(ctx context.Context) ([]domain.Account, error) {
	records, err := g.local.GetAll(ctx, store.CollectionCredentials)
	if err != nil {
		return nil, err
	}
	accounts := make([]domain.Account, 0, len(records))
	for _, r := range records {
		var a domain.Account
		if err := r.Decode(&a); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, nil
}

// findLocalCredential scans the cached accounts for a (username, password) match.
// The local corpus is a handful of accounts, so a linear scan is fine.
func (g *Gateway) findLocalCredential(ctx context.Context, username, password string) (domain.Account, bool, error) {
	accounts, err := g.LocalAccounts(ctx)
	if err != nil {
		return domain.Account{}, false, err
	}
	for _, a := range accounts {
		if a.Username == username && auth.CheckPassword(password, a.PasswordHash) {
			return a, true, nil
		}
	}
	return domain.Account{}, false, nil
}

func (g *Gateway) updateLocalHash(ctx context.Context, username, hash string) (bool, error) {
	g.credMu.Lock()
	defer g.credMu.Unlock()
	var account domain.Account
	found, err := g.local.Get(ctx, store.CollectionCredentials, username, &account)
	if err != nil || !found {
		return false, err
	}
	account.PasswordHash = hash
	account.UpdatedAt = g.now().UTC()
	if err := g.local.Put(ctx, store.CollectionCredentials, username, account); err != nil {
		return false, err
	}
	return true, nil
}

// accountForRemoteLogin resolves the stored role: the cached account first,
// then the remote profile document.
func (g *Gateway) accountForRemoteLogin(ctx context.Context, username string) (domain.Account, error) {
	var account domain.Account
	found, err := g.local.Get(ctx, store.CollectionCredentials, username, &account)
	if err != nil {
		return domain.Account{}, err
	}
	if found {
		return account, nil
	}
	account = domain.Account{Username: username}
	doc, err := g.remote.GetDocument(ctx, directory.CollectionAccounts, username)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			slog.Warn("load account profile failed", "username", username, "err", err)
		}
		return account, nil
	}
	var profile accountProfile
	if err := doc.Decode(&profile); err != nil {
		slog.Warn("decode account profile failed", "username", username, "err", err)
		return account, nil
	}
	account.ID = profile.ID
	account.Role = profile.Role
	account.Phone = profile.Phone
	account.CreatedAt = profile.CreatedAt
	return account, nil
}

func (g *Gateway) writeProfile(ctx context.Context, account domain.Account) {
	profile := accountProfile{
		ID:        account.ID,
		Username:  account.Username,
		Role:      account.Role,
		Phone:     account.Phone,
		CreatedAt: account.CreatedAt,
	}
	if err := g.remote.CreateDocument(ctx, directory.CollectionAccounts, account.Username, profile); err != nil {
		slog.Warn("write account profile failed", "username", account.Username, "err", err)
	}
}
