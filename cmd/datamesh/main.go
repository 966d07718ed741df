package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ioustamora/datamesh/internal/catalog"
	"github.com/ioustamora/datamesh/internal/cmdcontext"
	"github.com/ioustamora/datamesh/internal/codec"
	"github.com/ioustamora/datamesh/internal/config"
	"github.com/ioustamora/datamesh/internal/economy"
	"github.com/ioustamora/datamesh/internal/logging"
	"github.com/ioustamora/datamesh/internal/netactor"
	"github.com/ioustamora/datamesh/internal/scheduler"
	"github.com/ioustamora/datamesh/internal/shardpipeline"
)

var (
	cfg         *config.Config
	cmdCtx      *cmdcontext.Context
	configPath  string
	identityKey string
)

var rootCmd = &cobra.Command{
	Use:   "datamesh",
	Short: "Peer-to-peer content-addressed file store with erasure coding",
	Long:  "A CLI node for DataMesh: stores encrypted, erasure-coded files across a Kademlia DHT swarm",
}

func init() {
	cobra.OnInitialize(initNode)
	setupFlags()
	addCommands()
}

func setupFlags() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default is DATAMESH_CONFIG or ./config.toml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level override (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&identityKey, "identity", "node", "name of the key file identifying this node")
}

func addCommands() {
	rootCmd.AddCommand(storeCmd)
	rootCmd.AddCommand(retrieveCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(bootstrapCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(keygenCmd)
}

// initNode wires every engine component together the way the teacher's
// initConfig wired a placer and repositories: load config, start logging,
// then build the key manager, catalog, network actor, scheduler, pipeline,
// and economy service, finally composing them into a Context.
func initNode() {
	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		log.Fatalf("loading configuration: %v", err)
	}

	if lvl, _ := rootCmd.PersistentFlags().GetString("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	logging.InitLogger(cfg.LogLevel)

	keys, err := config.NewKeyManager(cfg.Storage.KeysDir)
	if err != nil {
		log.Fatalf("initializing key manager: %v", err)
	}
	if _, err := keys.Load(identityKey); err != nil {
		if _, genErr := keys.Generate(identityKey); genErr != nil {
			log.Fatalf("generating identity key %q: %v", identityKey, genErr)
		}
		log.Infof("generated new identity key %q", identityKey)
	}

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o700); err != nil {
		log.Fatalf("creating data dir: %v", err)
	}
	cat, err := catalog.Open(cfg.Storage.DataDir + "/db.sqlite")
	if err != nil {
		log.Fatalf("opening catalog: %v", err)
	}

	c, err := codec.New(cfg.Storage.DataShards, cfg.Storage.ParityShards)
	if err != nil {
		log.Fatalf("configuring erasure coding: %v", err)
	}

	swarm, err := netactor.NewLibp2pSwarm(rootCmdContext(), cfg.Network.DefaultPort)
	if err != nil {
		log.Fatalf("starting libp2p swarm: %v", err)
	}

	actorCfg := netactor.DefaultConfig()
	bootstrapPeers := resolveBootstrapPeers(swarm, cfg.Network.BootstrapPeers)
	actor := netactor.New(swarm, bootstrapPeers, actorCfg)
	go actor.Run(rootCmdContext())

	sched := scheduler.New(actor, scheduler.DefaultConfig())
	pipeline := shardpipeline.New(c, sched)

	econCfg := economy.DefaultConfig()
	econCfg.VerificationInterval = secondsToDuration(cfg.Economy.VerificationIntervalSecs)
	econCfg.PricePerGBMonth = cfg.Economy.PricePerGBMonth
	econ := economy.New(econCfg)
	if _, err := econ.RegisterUser(identityKey, ""); err != nil {
		log.Debugf("identity %q already registered with the economy service", identityKey)
	}
	_ = econ.SetQuota(identityKey, cfg.Storage.MaxFileSize)

	cmdCtx = cmdcontext.New(cfg, keys, actor, cat, pipeline, econ, identityKey)
}

func main() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		if cmdCtx != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := cmdCtx.Shutdown(shutdownCtx); err != nil {
				log.Warnf("shutdown: %v", err)
			}
		}
		rootCtxCancel()
		os.Exit(0)
	}()

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
