package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"Keyhold/internal/logger"
	"Keyhold/internal/network"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run() error {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		return err
	}

	logger.Init(logger.Options{
		Level: logger.ParseLevel(cfg.Log.Level),
		Color: cfg.Log.Color,
	})

	cfg.PrivateKey, err = network.LoadOrCreateIdentity(cfg.Node.KeyPath)
	if err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	node, err := NewNode(cfg)
	if err != nil {
		return fmt.Errorf("create node:\n%w", err)
	}

	printStartupInfo(node)

	return node.Run()
}

// printStartupInfo displays node configuration at startup.
func printStartupInfo(n *Node) {
	logger.Info("starting Keyhold node",
		"id", n.network.ID()[:16],
		"owner", hex.EncodeToString(n.owner.PublicKey()[:8]),
		"http", n.cfg.Node.HTTPAddress,
		"quic", n.cfg.Node.QUICAddress,
		"data", n.cfg.Node.DataPath,
		"peers", len(n.cfg.Node.Peers),
	)
}
