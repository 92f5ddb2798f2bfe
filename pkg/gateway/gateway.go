package gateway

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"gamedo/pkg/directory"
	"gamedo/pkg/domain"
	"gamedo/pkg/store"
)

// Mode reports which path served a request.
type Mode string

const (
	ModeRemote Mode = "remote"
	ModeLocal  Mode = "local"
)

// DefaultIdentitySuffix turns a username into a synthetic remote identity.
const DefaultIdentitySuffix = "@gamedo.com"

// IdentityMapper derives the remote identity key for a local username.
type IdentityMapper func(username string) string

// SuffixIdentity maps usernames by appending suffix.
func SuffixIdentity(suffix string) IdentityMapper {
	return func(username string) string {
		return username + suffix
	}
}

// Config wires the gateway's collaborators.
type Config struct {
	Remote    directory.Directory
	Local     store.Store
	Identity  IdentityMapper
	Passcodes *PasscodeGenerator
	Now       func() time.Time
}

// Gateway routes state-changing operations to the remote directory and falls
// back to the local store for credential operations when the remote fails.
type Gateway struct {
	remote    directory.Directory
	local     store.Store
	identity  IdentityMapper
	passcodes *PasscodeGenerator
	now       func() time.Time

	// credMu serializes local check-then-write credential updates.
	credMu sync.Mutex
}

// New constructs a gateway.
func New(cfg Config) (*Gateway, error) {
	if cfg.Remote == nil {
		return nil, errors.New("gateway: remote directory is required")
	}
	if cfg.Local == nil {
		return nil, errors.New("gateway: local store is required")
	}
	identity := cfg.Identity
	if identity == nil {
		identity = SuffixIdentity(DefaultIdentitySuffix)
	}
	passcodes := cfg.Passcodes
	if passcodes == nil {
		passcodes = NewPasscodeGenerator(nil)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Gateway{
		remote:    cfg.Remote,
		local:     cfg.Local,
		identity:  identity,
		passcodes: passcodes,
		now:       now,
	}, nil
}

// shouldFallBack reports whether a remote failure is substituted by the local path.
// Transport failures always are; any error other than the listed terminal ones is
// treated the same way.
func shouldFallBack(err error, terminal ...error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, domain.ErrTransport) {
		return true
	}
	for _, t := range terminal {
		if errors.Is(err, t) {
			return false
		}
	}
	return true
}

func logFallback(op, username string, err error) {
	slog.Warn("remote directory failed, using local store",
		"op", op,
		"username", username,
		"mode", ModeLocal,
		"err", err,
	)
}

func normalizeUsername(username string) string {
	return strings.TrimSpace(username)
}
