package config

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"

	"github.com/nibeshrestha/optsync/sign"
)

func TestLoadConfigParsesReplicaListAndKeys(t *testing.T) {
	const n, f = 4, 1
	shares, pubPoly := sign.GenTSKeys(f+1, n)

	addrs := []string{"127.0.0.1:9001", "127.0.0.1:9002", "127.0.0.1:9003", "127.0.0.1:9004"}
	pubKeys := make([]string, n)
	privKeys := make([]string, n)
	for i := 0; i < n; i++ {
		priv, pub := sign.GenEd25519Keys()
		pubKeys[i] = hex.EncodeToString(pub)
		privKeys[i] = hex.EncodeToString(priv)
	}

	tsPubBytes, err := sign.EncodeTSPublicKey(pubPoly)
	if err != nil {
		t.Fatalf("encode ts pub key: %v", err)
	}
	tsShareBytes, err := sign.EncodeTSPartialKey(shares[2])
	if err != nil {
		t.Fatalf("encode ts share: %v", err)
	}

	replicaLines := make([]string, n)
	for i := range addrs {
		replicaLines[i] = addrs[i] + "," + pubKeys[i]
	}

	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(wd)

	fixture := filepath.Join(dir, "config_test.yaml")
	v := viper.New()
	v.SetConfigFile(fixture)
	v.Set("idx", 2)
	v.Set("replica", replicaLines)
	v.Set("cport", 9102)
	v.Set("privkey", privKeys[2])
	v.Set("tspubkey", hex.EncodeToString(tsPubBytes))
	v.Set("tsshare", hex.EncodeToString(tsShareBytes))
	v.Set("block-size", 10)
	v.Set("parent-limit", -1)
	v.Set("stat-period", 5)
	v.Set("max_pool", 4)
	v.Set("pace-maker", "rr")
	v.Set("qc-timeout", 2)
	v.Set("imp-timeout", 10)
	v.Set("nworker", 4)
	if err := v.WriteConfigAs(fixture); err != nil {
		t.Fatalf("write fixture config: %v", err)
	}

	cfg, err := LoadConfig("optsync", "config_test")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Self != "node2" {
		t.Errorf("expected self node2, got %s", cfg.Self)
	}
	if len(cfg.Replicas) != n {
		t.Errorf("expected %d replicas, got %d", n, len(cfg.Replicas))
	}
	if cfg.ListenAddr != addrs[2] {
		t.Errorf("expected listen addr %s, got %s", addrs[2], cfg.ListenAddr)
	}
	if cfg.ClientListenAddr != ":9102" {
		t.Errorf("expected client listen addr :9102, got %s", cfg.ClientListenAddr)
	}
	if cfg.BlockSize != 10 {
		t.Errorf("expected block size 10, got %d", cfg.BlockSize)
	}
	if cfg.TSPublicKey == nil || cfg.TSPrivateKey == nil {
		t.Errorf("expected threshold keys to decode")
	}

	opts := cfg.ToOptions()
	if opts.Self != "node2" || len(opts.Replicas) != n {
		t.Errorf("ToOptions did not carry over the replica set: %+v", opts)
	}
	if opts.FetchTimeout <= 0 || opts.ImpeachTimeout <= 0 {
		t.Errorf("expected qc-timeout/imp-timeout to convert into non-zero durations")
	}
}
