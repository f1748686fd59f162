package main

import (
	"flag"
	"log"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hashd-social/bytecave-relay/core/admission"
	"github.com/hashd-social/bytecave-relay/core/node"
	"github.com/hashd-social/bytecave-relay/core/p2p"
	"github.com/hashd-social/bytecave-relay/core/relay"
	"github.com/hashd-social/bytecave-relay/core/store"
	"github.com/hashd-social/bytecave-relay/pkg/config"
	"github.com/hashd-social/bytecave-relay/pkg/logger"
)

func main() {
	configPath := flag.String("config", "./config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.Node.Name == "" {
		cfg.Node.Name = "relay-" + uuid.NewString()[:8]
	}

	logr, err := logger.New(cfg.Node.LogLevel)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logr.Sync()

	st, err := store.Open(cfg.Node.DataDir)
	if err != nil {
		logr.Fatal("Failed to open admission store", zap.Error(err))
	}
	defer st.Close()

	n := node.New(cfg, logr)

	ctrl := admission.New(logr, admission.Limits{
		MaxConnsPerPeer:  cfg.Admission.MaxConnsPerPeer,
		MaxConnsPerIP:    cfg.Admission.MaxConnsPerIP,
		MaxActivePeers:   cfg.Admission.MaxActivePeers,
		ConnWindow:       cfg.Admission.ConnWindow,
		BlockDuration:    cfg.Admission.BlockDuration,
		MaxBandwidthMbps: cfg.Admission.MaxBandwidthMbps,
		SweepInterval:    cfg.Admission.SweepInterval,
	}, st)
	n.RegisterService(ctrl)

	rly := relay.New(logr, cfg.Relay.RequestTimeout, cfg.Relay.SweepInterval)
	n.RegisterService(rly)

	p2pSvc, err := p2p.New(n.Context(), logr, cfg.P2P.ListenPort, cfg.P2P.Bootstrap, ctrl, rly)
	if err != nil {
		logr.Fatal("Failed to init P2P", zap.Error(err))
	}
	n.RegisterService(p2pSvc)

	if err := n.Start(); err != nil {
		logr.Fatal("Node failed to start", zap.Error(err))
	}

	<-n.Context().Done() // Block forever (until signal)
}
