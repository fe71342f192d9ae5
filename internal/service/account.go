package service

import (
	"context"
	"fmt"
	"time"

	"github.com/ifuryst/crosspost/internal/config"
	"github.com/ifuryst/crosspost/internal/models"
	"github.com/ifuryst/crosspost/internal/service/publisher"
)

// ConfigAccounts resolves credentials from the accounts section of the config.
type ConfigAccounts struct {
	accounts map[string]*publisher.Credential
}

func NewConfigAccounts(accounts []config.AccountConfig) (*ConfigAccounts, error) {
	resolver := &ConfigAccounts{accounts: make(map[string]*publisher.Credential, len(accounts))}
	for _, account := range accounts {
		platform := models.PlatformType(account.Platform)
		if !platform.Valid() {
			return nil, fmt.Errorf("account %s has unknown platform %q", account.ID, account.Platform)
		}

		cred := &publisher.Credential{
			AccountID:      account.ID,
			PlatformUserID: account.PlatformUserID,
			AccessToken:    account.AccessToken,
		}
		if account.ExpiresAt != "" {
			expiresAt, err := time.Parse(time.RFC3339, account.ExpiresAt)
			if err != nil {
				return nil, fmt.Errorf("invalid expires_at for account %s: %w", account.ID, err)
			}
			cred.ExpiresAt = expiresAt
		}

		key := accountKey(platform, account.ID)
		if _, exists := resolver.accounts[key]; exists {
			return nil, fmt.Errorf("duplicate account %s for %s", account.ID, platform)
		}
		resolver.accounts[key] = cred
	}
	return resolver, nil
}

func accountKey(platform models.PlatformType, accountID string) string {
	return string(platform) + "/" + accountID
}

func (r *ConfigAccounts) Credential(_ context.Context, platform models.PlatformType, accountID string) (*publisher.Credential, error) {
	cred, ok := r.accounts[accountKey(platform, accountID)]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", publisher.ErrAccountNotFound, platform, accountID)
	}
	copied := *cred
	return &copied, nil
}
