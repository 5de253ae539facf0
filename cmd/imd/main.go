package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"imchain/config"
	"imchain/ledger"
	"imchain/messaging"
	"imchain/observability/logging"
	"imchain/rpc"
	"imchain/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("IM_ENV"))
	logger := logging.Setup("imd", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	programAddr, err := cfg.Program()
	if err != nil {
		logger.Error("Failed to resolve program address", slog.Any("error", err))
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	store := ledger.NewStore(db)
	runtime := ledger.NewRuntime(store, logger)
	runtime.RegisterProgram(programAddr, messaging.Process)

	checksum, err := store.Checksum()
	if err != nil {
		logger.Error("Failed to fingerprint state", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("node ready",
		slog.String("network", cfg.NetworkName),
		slog.String("program", programAddr.String()),
		slog.String("state", hex.EncodeToString(checksum[:])))

	if addr := strings.TrimSpace(cfg.MetricsAddress); addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Error("metrics listener stopped", slog.Any("error", err))
			}
		}()
	}

	server := rpc.NewServer(runtime, programAddr, logger)
	if err := server.Start(cfg.RPCAddress); err != nil {
		logger.Error("RPC server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}
