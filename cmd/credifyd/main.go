package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"credify/cmd/internal/passphrase"
	"credify/config"
	"credify/core"
	"credify/core/genesis"
	"credify/crypto"
	"credify/observability/logging"
	telemetry "credify/observability/otel"
	"credify/rpc"
	"credify/storage"
)

const (
	operatorPassEnv = "CREDIFY_OPERATOR_PASS"
	genesisPathEnv  = "CREDIFY_GENESIS"
	rpcTokenEnv     = "CREDIFY_RPC_TOKEN"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	genesisFlag := flag.String("genesis", "", "Path to a genesis JSON file (overrides CREDIFY_GENESIS and config GenesisFile)")
	flag.Parse()

	passSource := passphrase.NewSource(operatorPassEnv, "operator")

	cfg, err := config.Load(*configFile, config.WithKeystorePassphraseSource(passSource.Get))
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	logger := setupLogging(cfg)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv("credifyd", cfg.Environment))
	if err != nil {
		logger.Error("Failed to initialise telemetry", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	genesisPath := resolveGenesisPath(*genesisFlag, cfg.GenesisFile, os.LookupEnv)
	spec, err := genesis.LoadSpec(genesisPath)
	if err != nil {
		panic(fmt.Sprintf("Failed to load genesis spec: %v", err))
	}
	filled, err := fillOperatorDefaults(spec, func() (string, error) {
		return operatorAddress(cfg.OperatorKeystorePath, passSource.Get)
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to resolve genesis operator: %v", err))
	}
	if filled {
		resolved, err := writeResolvedGenesis(cfg.DataDir, spec)
		if err != nil {
			panic(fmt.Sprintf("Failed to write resolved genesis: %v", err))
		}
		logger.Info("Genesis operator defaults applied",
			logging.MaskField("owner", spec.Owner),
			slog.String("resolved", resolved))
	}
	g, err := spec.Parse()
	if err != nil {
		panic(fmt.Sprintf("Failed to parse genesis: %v", err))
	}

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "ledger"))
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	node, err := core.NewNode(db, g, core.WithLogger(logger))
	if err != nil {
		panic(fmt.Sprintf("Failed to create node: %v", err))
	}
	info := node.Info()
	logger.Info("Ledger ready",
		slog.Uint64("chainId", info.ChainID),
		slog.Uint64("height", info.Height),
		slog.String("ledger", info.LedgerAddress.Hex()),
		slog.String("stablecoin", info.StablecoinAddress.Hex()))

	rpcToken := strings.TrimSpace(os.Getenv(rpcTokenEnv))
	if rpcToken == "" {
		logger.Warn("RPC auth token not set; tx_send is open to any client", slog.String("env", rpcTokenEnv))
	}
	server := rpc.NewServer(node, rpc.ServerConfig{
		AuthToken:           rpcToken,
		TxRequestsPerMinute: cfg.RPC.TxRequestsPerMinute,
		TxBurst:             cfg.RPC.TxBurst,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := server.Start(ctx, cfg.RPCAddress); err != nil {
		logger.Error("RPC server stopped", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("credifyd stopped")
}

func setupLogging(cfg *config.Config) *slog.Logger {
	opts := logging.Options{Level: logging.ParseLevel(cfg.Log.Level)}
	if file := strings.TrimSpace(cfg.Log.File); file != "" {
		if !filepath.IsAbs(file) {
			file = filepath.Join(cfg.DataDir, file)
		}
		opts.File = &logging.FileOptions{
			Path:       file,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
		}
	}
	return logging.SetupWithOptions("credifyd", cfg.Environment, opts)
}

func resolveGenesisPath(flagValue, configValue string, lookup func(string) (string, bool)) string {
	if trimmed := strings.TrimSpace(flagValue); trimmed != "" {
		return trimmed
	}
	if lookup != nil {
		if value, ok := lookup(genesisPathEnv); ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return strings.TrimSpace(configValue)
}

// fillOperatorDefaults assigns the operator address to an empty owner or fee
// recipient. The keystore is only unlocked when a field needs it.
func fillOperatorDefaults(spec *genesis.GenesisSpec, operator func() (string, error)) (bool, error) {
	if strings.TrimSpace(spec.Owner) != "" && strings.TrimSpace(spec.FeeRecipient) != "" {
		return false, nil
	}
	addr, err := operator()
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(spec.Owner) == "" {
		spec.Owner = addr
	}
	if strings.TrimSpace(spec.FeeRecipient) == "" {
		spec.FeeRecipient = addr
	}
	return true, nil
}

func operatorAddress(keystorePath string, pass func() (string, error)) (string, error) {
	secret, err := pass()
	if err != nil {
		return "", err
	}
	key, err := crypto.LoadFromKeystore(keystorePath, secret)
	if err != nil {
		return "", err
	}
	return key.Address().Hex(), nil
}

func writeResolvedGenesis(dataDir string, spec *genesis.GenesisSpec) (string, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dataDir, "genesis.resolved.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
