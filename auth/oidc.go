package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	lru "github.com/hashicorp/golang-lru"

	"github.com/MrJones267/aryv-coord/config"
	"github.com/MrJones267/aryv-coord/globals"
	"github.com/MrJones267/aryv-coord/types"
)

const tokenCacheSize = 4096

// Verifier authenticates bearer credentials against the configured OIDC
// providers. Verified tokens are kept in a bounded ARC cache until their
// expiry so a reconnecting client does not cost a round trip to the
// provider every time.
type Verifier struct {
	verifiers map[string]*oidc.IDTokenVerifier
	cache     *lru.ARCCache
}

type cachedIdentity struct {
	userId string
	expiry time.Time
}

func NewVerifier(ctx context.Context, cfg *config.Config) (*Verifier, error) {
	cache, err := lru.NewARC(tokenCacheSize)
	if err != nil {
		return nil, err
	}
	v := &Verifier{
		verifiers: make(map[string]*oidc.IDTokenVerifier),
		cache:     cache,
	}
	for _, oidcConf := range cfg.OIDCConfigs {
		provider, err := oidc.NewProvider(ctx, oidcConf.ProviderUrl)
		if err != nil {
			globals.AppLogger.Error("could not set up oidc provider", "provider", oidcConf.Name, "error", err)
			continue
		}
		conf := oidc.Config{}
		if oidcConf.ClientId == "" {
			conf.SkipClientIDCheck = true
		} else {
			conf.ClientID = oidcConf.ClientId
		}
		v.verifiers[oidcConf.Name] = provider.Verifier(&conf)
	}
	return v, nil
}

// Authenticate verifies a given OIDC ID-token using the named provider and
// returns the user's id. The userId is the "email" claim, which must be
// unique across the user base.
func (v *Verifier) Authenticate(ctx context.Context, credential, providerName string) (string, error) {
	if credential == "" {
		return "", types.ErrAuth
	}
	if cached, ok := v.cache.Get(credential); ok {
		ident := cached.(cachedIdentity)
		if time.Now().Before(ident.expiry) {
			return ident.userId, nil
		}
		v.cache.Remove(credential)
	}
	verifier, ok := v.verifiers[providerName]
	if !ok {
		globals.AppLogger.Debug("no oidc config found for provider", "provider", providerName)
		return "", fmt.Errorf("unknown provider %q: %w", providerName, types.ErrAuth)
	}
	idToken, err := verifier.Verify(ctx, credential)
	if err != nil {
		return "", fmt.Errorf("%s: %w", err, types.ErrAuth)
	}
	claims := struct {
		Email string `json:"email"`
	}{}
	if err := idToken.Claims(&claims); err != nil {
		return "", fmt.Errorf("%s: %w", err, types.ErrAuth)
	}
	if claims.Email == "" {
		return "", fmt.Errorf("empty e-mail claim: %w", types.ErrAuth)
	}
	v.cache.Add(credential, cachedIdentity{userId: claims.Email, expiry: idToken.Expiry})
	return claims.Email, nil
}
