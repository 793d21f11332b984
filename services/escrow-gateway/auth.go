package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"credify/crypto"
	"credify/gateway/middleware"
	"credify/services/checkout"
)

var errOperatorDisabled = errors.New("operator keystore not configured")

func newAuthenticator(cfg AuthConfig, logger *slog.Logger) *middleware.Authenticator {
	return middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled:    cfg.Enabled,
		HMACSecret: cfg.HMACSecret,
		Issuer:     cfg.Issuer,
		Audience:   cfg.Audience,
		ScopeClaim: cfg.ScopeClaim,
		ClockSkew:  cfg.ClockSkew.Duration,
	}, logger)
}

// loadOperatorSigner unlocks the operator keystore with the passphrase held in
// cfg.PassphraseEnv. It returns errOperatorDisabled when no keystore is
// configured.
func loadOperatorSigner(cfg OperatorConfig) (*checkout.KeySigner, error) {
	path := strings.TrimSpace(cfg.Keystore)
	if path == "" {
		return nil, errOperatorDisabled
	}
	passphrase, ok := os.LookupEnv(cfg.PassphraseEnv)
	if !ok || strings.TrimSpace(passphrase) == "" {
		return nil, fmt.Errorf("operator keystore passphrase required; set %s", cfg.PassphraseEnv)
	}
	key, err := crypto.LoadFromKeystore(path, passphrase)
	if err != nil {
		return nil, fmt.Errorf("unlock operator keystore: %w", err)
	}
	return checkout.NewKeySigner(key)
}
