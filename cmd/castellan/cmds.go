package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/castellan-io/castellan/pkg/api"
	"github.com/castellan-io/castellan/pkg/audit"
	"github.com/castellan-io/castellan/pkg/authz"
	"github.com/castellan-io/castellan/pkg/ledger"
	"github.com/castellan-io/castellan/pkg/tiers"
)

// runProvisionCmd generates a dual-key signer identity and prints the
// public record as YAML-ready JSON plus the private seeds. The seeds
// are printed once and never stored.
func runProvisionCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("provision", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		signerID      string
		primaryTier   string
		secondaryTier string
	)
	cmd.StringVar(&signerID, "signer", "", "Signer identity (REQUIRED)")
	cmd.StringVar(&primaryTier, "primary-tier", string(tiers.TierPrivileged), "Tier granted by the primary key")
	cmd.StringVar(&secondaryTier, "secondary-tier", string(tiers.TierBasic), "Tier granted by the secondary key")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if signerID == "" {
		fmt.Fprintln(stderr, "Error: --signer is required")
		cmd.Usage()
		return 2
	}

	id, err := authz.Provision(signerID, tiers.Tier(primaryTier), tiers.Tier(secondaryTier))
	if err != nil {
		fmt.Fprintf(stderr, "Provisioning failed: %v\n", err)
		return 1
	}

	out := map[string]any{
		"record":            id.Record,
		"primary_private":   hex.EncodeToString(id.PrimaryPrivate),
		"secondary_private": hex.EncodeToString(id.SecondaryPrivate),
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(stderr, "Encoding failed: %v\n", err)
		return 1
	}
	return 0
}

// runTokenCmd mints a participant bearer token from the master secret.
func runTokenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("token", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		subject    string
		capability string
		ttl        time.Duration
	)
	cmd.StringVar(&subject, "subject", "", "Participant identity (REQUIRED)")
	cmd.StringVar(&capability, "capability", "", "Capability claim")
	cmd.DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if subject == "" {
		fmt.Fprintln(stderr, "Error: --subject is required")
		cmd.Usage()
		return 2
	}

	secret := os.Getenv("TOKEN_SECRET")
	if secret == "" {
		fmt.Fprintln(stderr, "Error: TOKEN_SECRET must be set")
		return 2
	}
	key, err := authz.DeriveTokenKey([]byte(secret), tokenRealm)
	if err != nil {
		fmt.Fprintf(stderr, "Key derivation failed: %v\n", err)
		return 1
	}

	now := time.Now()
	claims := api.ParticipantClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Capability: capability,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		fmt.Fprintf(stderr, "Token signing failed: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, token)
	return 0
}

// runExportCmd builds an evidence pack from a persisted governance log.
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		ledgerPath string
		outPath    string
		from, to   uint64
	)
	cmd.StringVar(&ledgerPath, "ledger", "", "SQLite governance log path (REQUIRED)")
	cmd.StringVar(&outPath, "out", "", "Output zip path (REQUIRED)")
	cmd.Uint64Var(&from, "from", 0, "First sequence (0 = start)")
	cmd.Uint64Var(&to, "to", 0, "Last sequence (0 = head)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if ledgerPath == "" || outPath == "" {
		fmt.Fprintln(stderr, "Error: --ledger and --out are required")
		cmd.Usage()
		return 2
	}

	log, closeLog, err := loadPersistedLog(ledgerPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer closeLog()

	exporter := audit.NewExporter(log, nil)
	zipBytes, pack, err := exporter.GeneratePack(context.Background(), audit.ExportRequest{From: from, To: to})
	if err != nil {
		fmt.Fprintf(stderr, "Export failed: %v\n", err)
		return 1
	}
	if err := os.WriteFile(outPath, zipBytes, 0o600); err != nil {
		fmt.Fprintf(stderr, "Write failed: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Evidence pack written to %s\n", outPath)
	fmt.Fprintf(stdout, "  entries:  %d (%d..%d)\n", pack.EntryCount, pack.From, pack.To)
	fmt.Fprintf(stdout, "  head:     %s\n", pack.ChainHead)
	fmt.Fprintf(stdout, "  checksum: %s\n", pack.Checksum)
	return 0
}

// runVerifyCmd replays a persisted governance log and verifies the hash
// chain.
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var ledgerPath string
	cmd.StringVar(&ledgerPath, "ledger", "", "SQLite governance log path (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if ledgerPath == "" {
		fmt.Fprintln(stderr, "Error: --ledger is required")
		cmd.Usage()
		return 2
	}

	log, closeLog, err := loadPersistedLog(ledgerPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer closeLog()

	ok, detail := log.Verify()
	if !ok {
		fmt.Fprintf(stderr, "FAIL: %s\n", detail)
		return 1
	}
	fmt.Fprintf(stdout, "OK: %d entries, head %s\n", log.Length(), log.Head())
	return 0
}

func loadPersistedLog(path string) (*ledger.Log, func(), error) {
	backend, err := ledger.OpenSQLiteBackend(path)
	if err != nil {
		return nil, nil, err
	}
	entries, err := backend.Load(context.Background())
	if err != nil {
		_ = backend.Close()
		return nil, nil, err
	}
	log := ledger.New()
	if err := log.Restore(entries); err != nil {
		_ = backend.Close()
		return nil, nil, err
	}
	return log, func() { _ = backend.Close() }, nil
}
