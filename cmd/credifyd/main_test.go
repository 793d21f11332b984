package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"credify/core/genesis"
	"credify/crypto"
)

func TestResolveGenesisPathPrecedence(t *testing.T) {
	env := func(values map[string]string) func(string) (string, bool) {
		return func(key string) (string, bool) {
			v, ok := values[key]
			return v, ok
		}
	}
	tests := []struct {
		name   string
		flag   string
		config string
		env    map[string]string
		want   string
	}{
		{name: "flag wins", flag: "flag.json", config: "cfg.json", env: map[string]string{genesisPathEnv: "env.json"}, want: "flag.json"},
		{name: "env over config", config: "cfg.json", env: map[string]string{genesisPathEnv: " env.json "}, want: "env.json"},
		{name: "blank env ignored", config: "cfg.json", env: map[string]string{genesisPathEnv: "  "}, want: "cfg.json"},
		{name: "config fallback", config: "cfg.json", want: "cfg.json"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := resolveGenesisPath(tc.flag, tc.config, env(tc.env)); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestFillOperatorDefaults(t *testing.T) {
	calls := 0
	operator := func() (string, error) {
		calls++
		return "0x00000000000000000000000000000000000000aa", nil
	}

	complete := &genesis.GenesisSpec{Owner: "0x01", FeeRecipient: "0x02"}
	filled, err := fillOperatorDefaults(complete, operator)
	if err != nil || filled || calls != 0 {
		t.Fatalf("expected untouched spec, filled=%v calls=%d err=%v", filled, calls, err)
	}

	partial := &genesis.GenesisSpec{FeeRecipient: "0x02"}
	filled, err = fillOperatorDefaults(partial, operator)
	if err != nil || !filled {
		t.Fatalf("expected owner fill, filled=%v err=%v", filled, err)
	}
	if partial.Owner != "0x00000000000000000000000000000000000000aa" || partial.FeeRecipient != "0x02" {
		t.Fatalf("unexpected spec %+v", partial)
	}

	failing := func() (string, error) { return "", errors.New("locked") }
	if _, err := fillOperatorDefaults(&genesis.GenesisSpec{}, failing); err == nil {
		t.Fatalf("expected keystore error")
	}
}

func TestOperatorAddressUnlocksKeystore(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	path := filepath.Join(t.TempDir(), "operator.keystore")
	if err := crypto.SaveToKeystore(path, key, "pass"); err != nil {
		t.Fatalf("save: %v", err)
	}
	addr, err := operatorAddress(path, func() (string, error) { return "pass", nil })
	if err != nil {
		t.Fatalf("operator address: %v", err)
	}
	if addr != key.Address().Hex() {
		t.Fatalf("expected %s, got %s", key.Address().Hex(), addr)
	}

	spec := &genesis.GenesisSpec{ChainID: 7, Owner: addr}
	resolved, err := writeResolvedGenesis(filepath.Join(t.TempDir(), "data"), spec)
	if err != nil {
		t.Fatalf("write resolved: %v", err)
	}
	if _, err := os.Stat(resolved); err != nil {
		t.Fatalf("resolved genesis missing: %v", err)
	}
}
