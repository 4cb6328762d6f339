/*
Package main in the directory config_gen implements a tool that reads a
cluster template and generates one YAML config file per replica,
including freshly generated ed25519 and threshold-BLS key material.
*/
package main

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/nibeshrestha/optsync/sign"
)

func main() {
	viperRead := viper.New()
	viperRead.SetEnvPrefix("")
	viperRead.AutomaticEnv()
	replacer := strings.NewReplacer(".", "_")
	viperRead.SetEnvKeyReplacer(replacer)
	viperRead.SetConfigName("config_template")
	viperRead.AddConfigPath("./")
	if err := viperRead.ReadInConfig(); err != nil {
		panic(err)
	}

	addrs := viperRead.GetStringSlice("addrs")
	n := len(addrs)
	if n == 0 {
		panic("config_template must list at least one address under addrs")
	}
	f := (n - 1) / 3
	threshold := f + 1

	cport := viperRead.GetInt("cport")
	blockSize := viperRead.GetInt("block-size")
	parentLimit := viperRead.GetInt("parent-limit")
	statPeriod := viperRead.GetInt("stat-period")
	maxPool := viperRead.GetInt("max_pool")
	paceMaker := viperRead.GetString("pace-maker")
	qcTimeout := viperRead.GetInt("qc-timeout")
	impTimeout := viperRead.GetInt("imp-timeout")
	nworker := viperRead.GetInt("nworker")

	pubKeys := make([]string, n)
	privKeys := make([]string, n)
	for i := 0; i < n; i++ {
		priv, pub := sign.GenEd25519Keys()
		privKeys[i] = hex.EncodeToString(priv)
		pubKeys[i] = hex.EncodeToString(pub)
	}

	replicaLines := make([]string, n)
	for i := 0; i < n; i++ {
		replicaLines[i] = addrs[i] + "," + pubKeys[i]
	}

	shares, pubPoly := sign.GenTSKeys(threshold, n)
	tsPubKeyAsBytes, err := sign.EncodeTSPublicKey(pubPoly)
	if err != nil {
		panic("fail to encode the TS public key")
	}
	tsPubKeyAsHex := hex.EncodeToString(tsPubKeyAsBytes)

	fmt.Printf("generating %d replica configs, n=%d f=%d threshold=%d\n", n, n, f, threshold)

	for i := 0; i < n; i++ {
		shareAsBytes, err := sign.EncodeTSPartialKey(shares[i])
		if err != nil {
			panic("fail to encode share " + strconv.Itoa(i))
		}

		viperWrite := viper.New()
		viperWrite.SetConfigFile(fmt.Sprintf("node%d.yaml", i))
		viperWrite.Set("idx", i)
		viperWrite.Set("replica", replicaLines)
		viperWrite.Set("cport", cport+i)
		viperWrite.Set("privkey", privKeys[i])
		viperWrite.Set("tspubkey", tsPubKeyAsHex)
		viperWrite.Set("tsshare", hex.EncodeToString(shareAsBytes))
		viperWrite.Set("block-size", blockSize)
		viperWrite.Set("parent-limit", parentLimit)
		viperWrite.Set("stat-period", statPeriod)
		viperWrite.Set("max_pool", maxPool)
		viperWrite.Set("pace-maker", paceMaker)
		viperWrite.Set("qc-timeout", qcTimeout)
		viperWrite.Set("imp-timeout", impTimeout)
		viperWrite.Set("nworker", nworker)
		if err := viperWrite.WriteConfig(); err != nil {
			panic("fail to write config for node " + strconv.Itoa(i))
		}
	}
}
