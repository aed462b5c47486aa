package main

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/castellan-io/castellan/pkg/ledger"
)

func TestRunDispatch(t *testing.T) {
	served := false
	orig := startServer
	startServer = func(_, _ io.Writer) int {
		served = true
		return 0
	}
	defer func() { startServer = orig }()

	var stdout, stderr bytes.Buffer

	if code := Run([]string{"castellan"}, &stdout, &stderr); code != 0 || !served {
		t.Fatalf("bare invocation should start the server (code=%d served=%v)", code, served)
	}

	served = false
	if code := Run([]string{"castellan", "serve"}, &stdout, &stderr); code != 0 || !served {
		t.Fatal("serve should start the server")
	}

	if code := Run([]string{"castellan", "help"}, &stdout, &stderr); code != 0 {
		t.Fatalf("help returned %d", code)
	}
	if !strings.Contains(stdout.String(), "castellan") {
		t.Fatal("usage output missing")
	}

	if code := Run([]string{"castellan", "bogus"}, &stdout, &stderr); code != 2 {
		t.Fatalf("unknown command returned %d, want 2", code)
	}
}

func TestProvisionCmd(t *testing.T) {
	var stdout, stderr bytes.Buffer

	if code := runProvisionCmd(nil, &stdout, &stderr); code != 2 {
		t.Fatalf("missing --signer returned %d, want 2", code)
	}

	stdout.Reset()
	if code := runProvisionCmd([]string{"--signer", "signer-1"}, &stdout, &stderr); code != 0 {
		t.Fatalf("provision failed: %s", stderr.String())
	}
	out := stdout.String()
	for _, want := range []string{"signer-1", "primary_private", "secondary_private", "privileged"} {
		if !strings.Contains(out, want) {
			t.Fatalf("provision output missing %q:\n%s", want, out)
		}
	}
}

func TestTokenCmd(t *testing.T) {
	var stdout, stderr bytes.Buffer

	t.Setenv("TOKEN_SECRET", "")
	if code := runTokenCmd([]string{"--subject", "alice"}, &stdout, &stderr); code != 2 {
		t.Fatalf("missing secret returned %d, want 2", code)
	}

	t.Setenv("TOKEN_SECRET", "master-secret")
	stdout.Reset()
	if code := runTokenCmd([]string{"--subject", "alice"}, &stdout, &stderr); code != 0 {
		t.Fatalf("token mint failed: %s", stderr.String())
	}
	token := strings.TrimSpace(stdout.String())
	if strings.Count(token, ".") != 2 {
		t.Fatalf("expected a JWT, got %q", token)
	}
}

func TestExportAndVerifyRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ledgerPath := dir + "/ledger.db"
	outPath := dir + "/evidence.zip"

	backend, err := ledger.OpenSQLiteBackend(ledgerPath)
	if err != nil {
		t.Fatal(err)
	}
	l := ledger.New().WithBackend(backend)
	if _, err := l.Append(ledger.EntryVerdict, "admission-engine", map[string]any{"artifact_id": "art-1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Append(ledger.EntryIndexChange, "root-authority", map[string]any{"path": "lib/a.so"}); err != nil {
		t.Fatal(err)
	}
	if err := backend.Close(); err != nil {
		t.Fatal(err)
	}

	var stdout, stderr bytes.Buffer
	if code := runVerifyCmd([]string{"--ledger", ledgerPath}, &stdout, &stderr); code != 0 {
		t.Fatalf("verify failed: %s", stderr.String())
	}
	if !strings.Contains(stdout.String(), "OK: 2 entries") {
		t.Fatalf("unexpected verify output: %s", stdout.String())
	}

	stdout.Reset()
	if code := runExportCmd([]string{"--ledger", ledgerPath, "--out", outPath}, &stdout, &stderr); code != 0 {
		t.Fatalf("export failed: %s", stderr.String())
	}
	if !strings.Contains(stdout.String(), "checksum") {
		t.Fatalf("unexpected export output: %s", stdout.String())
	}
}
