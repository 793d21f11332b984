package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"credify/crypto"
)

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	set := flag.NewFlagSet(name, flag.ContinueOnError)
	set.SetOutput(stderr)
	return set
}

func runGenerateKey(args []string, stdout, stderr io.Writer) int {
	flags := newFlagSet("generate-key", stderr)
	path := flags.String("keystore", defaultKeystore, "keystore file to create")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if _, err := os.Stat(*path); err == nil {
		return printError(stderr, fmt.Errorf("%s already exists; refusing to overwrite", *path))
	} else if !errors.Is(err, fs.ErrNotExist) {
		return printError(stderr, err)
	}
	pass, err := newKeyPassphrase()
	if err != nil {
		return printError(stderr, err)
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return printError(stderr, err)
	}
	if err := crypto.SaveToKeystore(*path, key, pass); err != nil {
		return printError(stderr, fmt.Errorf("save keystore: %w", err))
	}
	writeJSON(stdout, map[string]string{"address": key.Address().Hex(), "keystore": *path})
	return 0
}

// runImportKey reads a hex private key from stdin and encrypts it into a
// keystore.
func runImportKey(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := newFlagSet("import-key", stderr)
	path := flags.String("keystore", defaultKeystore, "keystore file to create")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if _, err := os.Stat(*path); err == nil {
		return printError(stderr, fmt.Errorf("%s already exists; refusing to overwrite", *path))
	}
	line, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return printError(stderr, fmt.Errorf("read private key: %w", err))
	}
	key, err := crypto.PrivateKeyFromHex(line)
	if err != nil {
		return printError(stderr, err)
	}
	pass, err := newKeyPassphrase()
	if err != nil {
		return printError(stderr, err)
	}
	if err := crypto.SaveToKeystore(*path, key, pass); err != nil {
		return printError(stderr, fmt.Errorf("save keystore: %w", err))
	}
	writeJSON(stdout, map[string]string{"address": key.Address().Hex(), "keystore": *path})
	return 0
}

func runAddress(args []string, stdout, stderr io.Writer) int {
	flags := newFlagSet("address", stderr)
	path := flags.String("keystore", defaultKeystore, "keystore file")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	key, err := loadKey(*path)
	if err != nil {
		return printError(stderr, err)
	}
	writeJSON(stdout, map[string]string{"address": key.Address().Hex()})
	return 0
}

func loadKey(path string) (*crypto.PrivateKey, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("--keystore is required")
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("keystore %s not found. run credify-cli generate-key first", path)
	}
	pass, err := keyPassphrase()
	if err != nil {
		return nil, err
	}
	key, err := crypto.LoadFromKeystore(path, pass)
	if err != nil {
		return nil, fmt.Errorf("unlock %s: %w", path, err)
	}
	return key, nil
}
