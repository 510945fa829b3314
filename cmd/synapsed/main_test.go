package main

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.pdpstore.dev/synapse/config"
	"go.pdpstore.dev/synapse/pdp"
	"go.pdpstore.dev/synapse/pdp/pdptest"
	"go.pdpstore.dev/synapse/piece"
	"go.uber.org/zap/zaptest"
	"lukechampine.com/frand"
)

func TestPDPOptions(t *testing.T) {
	s := pdptest.NewServer()
	defer s.Close()

	c := config.Default().PDP
	c.CreationPollInterval = 10 * time.Millisecond
	c.CreationTimeout = 150 * time.Millisecond
	c.AdditionPollInterval = 10 * time.Millisecond
	c.AdditionTimeout = 100 * time.Millisecond
	c.PiecePollInterval = 10 * time.Millisecond
	c.PieceTimeout = 120 * time.Millisecond
	client := pdp.New(s.URL, append(pdpOptions(c), pdp.WithLog(zaptest.NewLogger(t)))...)

	// the defaults are minutes long, so a slow return means an option was
	// not applied
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := client.WaitForPieceAddition(ctx, 1, "0xmissing"); err == nil {
		t.Fatal("expected addition wait to time out")
	} else if !strings.Contains(err.Error(), "timed out after 100ms") {
		t.Fatalf("expected the addition timeout, got %v", err)
	}

	if _, err := client.WaitForDataSetCreation(ctx, "0xmissing"); err == nil {
		t.Fatal("expected creation wait to time out")
	} else if !strings.Contains(err.Error(), "timed out after 150ms") {
		t.Fatalf("expected the creation timeout, got %v", err)
	}

	info, err := piece.Calculate(piece.CommPDigester{}, frand.Bytes(512))
	if err != nil {
		t.Fatal(err)
	}
	if err := client.WaitForPiece(ctx, info.PieceCID); err == nil {
		t.Fatal("expected piece wait to time out")
	} else if !strings.Contains(err.Error(), "timed out after 120ms") {
		t.Fatalf("expected the piece timeout, got %v", err)
	}
}

func TestDefaultConfig(t *testing.T) {
	c := config.Default()
	if c.PDP.PiecePollInterval <= 0 || c.PDP.AdditionPollInterval <= 0 || c.PDP.AdditionTimeout <= 0 {
		t.Fatalf("expected polling defaults, got %+v", c.PDP)
	} else if c.Retrieval.Workers <= 0 || c.Retrieval.MemoryCacheSize <= 0 {
		t.Fatalf("expected download pool defaults, got %+v", c.Retrieval)
	}
	if _, ok := parseLevel(c.Log.Level); !ok {
		t.Fatalf("invalid default log level %q", c.Log.Level)
	}
}
