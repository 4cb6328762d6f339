/*
Command client is a small CLI for submitting a single command to a
HotStuff cluster and printing the finality it receives back, styled
after the teacher pack's urfave/cli-based RPC clients.
*/
package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/urfave/cli"

	"github.com/nibeshrestha/optsync/client"
	"github.com/nibeshrestha/optsync/config"
)

var (
	configNameValue string
	configNameFlag  = cli.StringFlag{
		Name:        "config",
		Value:       "config",
		Usage:       "name of the node config file to read the cluster's replica list from",
		Destination: &configNameValue,
	}

	startValue string
	startFlag  = cli.StringFlag{
		Name:        "start",
		Value:       "node0",
		Usage:       "replica id to submit the command to first",
		Destination: &startValue,
	}

	listenValue string
	listenFlag  = cli.StringFlag{
		Name:        "listen",
		Value:       "127.0.0.1:0",
		Usage:       "local address this client listens on for RESP_CMD",
		Destination: &listenValue,
	}

	payloadValue string
	payloadFlag  = cli.StringFlag{
		Name:        "payload",
		Value:       "",
		Usage:       "command payload to submit",
		Destination: &payloadValue,
	}

	timeoutValue int
	timeoutFlag  = cli.IntFlag{
		Name:        "timeout",
		Value:       5,
		Usage:       "seconds to wait for a RESP_CMD before giving up on the command",
		Destination: &timeoutValue,
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "hotstuff-client"
	app.Usage = "submit commands to a HotStuff cluster"

	app.Commands = []cli.Command{
		{
			Name:  "submit",
			Usage: "submit a command and wait for its finality",
			Flags: []cli.Flag{configNameFlag, startFlag, listenFlag, payloadFlag, timeoutFlag},
			Action: func(c *cli.Context) error {
				return submitAction()
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func submitAction() error {
	replicas, err := config.LoadReplicaList("OPTSYNC", configNameValue)
	if err != nil {
		return fmt.Errorf("load replica list: %w", err)
	}
	addrByID := make(map[string]string, len(replicas))
	for _, ri := range replicas {
		addrByID[ri.ID] = ri.Addr
	}
	if _, ok := addrByID[startValue]; !ok {
		return fmt.Errorf("unknown start replica %q", startValue)
	}

	cl, err := client.Dial(listenValue, time.Duration(timeoutValue)*time.Second)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	finality, err := cl.SubmitWithRetry(startValue, addrByID, []byte(payloadValue), len(replicas))
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}

	fmt.Printf("decision=%d proposer=%q block=%x cmd=%x pos=%d\n",
		finality.Decision, finality.Proposer, finality.BlockHash, finality.CmdHash, finality.Pos)
	return nil
}
