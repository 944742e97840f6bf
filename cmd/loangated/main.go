package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"loanledger/config"
	"loanledger/crypto"
	"loanledger/gateway"
	"loanledger/native/loan"
	"loanledger/observability/logging"
	"loanledger/storage"
)

func main() {
	var (
		cfgPath string
		keygen  bool
		keyHex  string
	)
	flag.StringVar(&cfgPath, "config", "", "path to loan ledger configuration")
	flag.BoolVar(&keygen, "keygen", false, "generate a signing key, print it and exit")
	flag.StringVar(&keyHex, "keyaddr", "", "print the address controlled by a hex-encoded private key and exit")
	flag.Parse()

	logging.Setup("loangated", strings.TrimSpace(os.Getenv("LOANLEDGER_ENV")))
	logger := log.Default()

	if keygen {
		key, err := crypto.GeneratePrivateKey()
		if err != nil {
			logger.Fatalf("generate key: %v", err)
		}
		fmt.Printf("address:     %s\nprivate key: %s\n", key.PubKey().Address(), hex.EncodeToString(key.Bytes()))
		return
	}
	if keyHex != "" {
		raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(keyHex), "0x"))
		if err != nil {
			logger.Fatalf("decode key: %v", err)
		}
		key, err := crypto.PrivateKeyFromBytes(raw)
		if err != nil {
			logger.Fatalf("parse key: %v", err)
		}
		fmt.Println(key.PubKey().Address())
		return
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("validate config: %v", err)
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer db.Close()

	state := loan.NewState(db)
	vault, err := resolveVault(cfg.VaultAddress)
	if err != nil {
		logger.Fatalf("vault address: %v", err)
	}
	logger.Printf("module vault %s", crypto.NewAddress(crypto.VaultPrefix, vault[:]))

	params := loan.ProtocolParams{
		GracePeriodSecs: cfg.Loans.GracePeriodSecs,
		Fees: loan.FeeSchedule{
			BorrowerOriginationFeeBps: cfg.Loans.BorrowerOriginationFeeBps,
			LenderInterestFeeBps:      cfg.Loans.LenderInterestFeeBps,
			LenderPrincipalFeeBps:     cfg.Loans.LenderPrincipalFeeBps,
		},
	}
	core := loan.NewLoanCore(vault, params)
	core.SetState(state)

	if err := seedState(state, cfg); err != nil {
		logger.Fatalf("seed state: %v", err)
	}

	registry := loan.NewVerifierRegistry()
	origination := loan.NewOriginationController(core, registry, cfg.ChainID)
	repayment := loan.NewRepaymentController(core)

	obs := gateway.NewObservability(gateway.ObservabilityConfig{
		MetricsPrefix: cfg.Gateway.MetricsPrefix,
		Enabled:       cfg.Gateway.MetricsEnabled,
	}, logger)
	srv := gateway.NewServer(core, origination, repayment, obs, logger,
		gateway.WithRequestLimit(cfg.Gateway.RequestLimit))

	server := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      srv,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		logger.Fatalf("listen: %v", err)
	}
	go func() {
		logger.Printf("listening on http://%s", listener.Addr())
		if serveErr := server.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			logger.Fatalf("serve: %v", serveErr)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
}

// resolveVault parses the configured vault address, or derives the default
// module vault when none is configured.
func resolveVault(value string) ([20]byte, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		sum := sha256.Sum256([]byte("loanledger/module-vault"))
		var vault [20]byte
		copy(vault[:], sum[:20])
		return vault, nil
	}
	return parseAddress(trimmed)
}

func parseAddress(value string) ([20]byte, error) {
	var addr [20]byte
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		raw, err := hex.DecodeString(value[2:])
		if err != nil || len(raw) != 20 {
			return addr, fmt.Errorf("invalid hex address %q", value)
		}
		copy(addr[:], raw)
		return addr, nil
	}
	decoded, err := crypto.DecodeAddress(value)
	if err != nil {
		return addr, fmt.Errorf("invalid address %q: %w", value, err)
	}
	copy(addr[:], decoded.Bytes())
	return addr, nil
}

// seedState applies the operator whitelist and role configuration. Seeding is
// idempotent so restarts converge on the configured set.
func seedState(state *loan.State, cfg *config.Config) error {
	for _, entry := range cfg.Loans.AllowedCurrencies {
		symbol, minRaw, err := config.ParseCurrencyEntry(entry)
		if err != nil {
			return err
		}
		minPrincipal, ok := new(big.Int).SetString(minRaw, 10)
		if !ok || minPrincipal.Sign() <= 0 {
			return fmt.Errorf("invalid minimum principal %q for currency %s", minRaw, symbol)
		}
		if err := state.SetAllowedCurrency(symbol, minPrincipal, true); err != nil {
			return err
		}
	}
	for _, tag := range []string{
		loan.VerifierCollectionWildcard,
		loan.VerifierSpecificItem,
		loan.VerifierBundleContents,
	} {
		if err := state.SetAllowedVerifier(tag, true); err != nil {
			return err
		}
	}
	if strings.TrimSpace(cfg.AdminAddress) != "" {
		admin, err := parseAddress(strings.TrimSpace(cfg.AdminAddress))
		if err != nil {
			return fmt.Errorf("admin address: %w", err)
		}
		if err := state.SetRole(admin, loan.RoleAdmin, true); err != nil {
			return err
		}
	}
	return nil
}
