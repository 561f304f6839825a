// Command swarmstore runs one swarm process: it listens for peer RPCs,
// announces itself to the configured discovery collaborator, optionally
// joins an existing swarm, and hosts whichever tables it is asked to
// create. Adapted from the teacher's drafty/drafty.go entry point, which
// takes the same shape (parse flags, build one long-lived process object,
// start it, block) but over spf13/cobra instead of the bare flag package,
// per config.Bind.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/chunkswarm/swarmstore/config"
	"github.com/chunkswarm/swarmstore/discovery"
	discoveryfile "github.com/chunkswarm/swarmstore/discovery/file"
	discoveryserver "github.com/chunkswarm/swarmstore/discovery/server"
	"github.com/chunkswarm/swarmstore/log"
	"github.com/chunkswarm/swarmstore/messaging/tcprpc"
	"github.com/chunkswarm/swarmstore/metrics"
	"github.com/chunkswarm/swarmstore/swarmnode"
)

func main() {
	v := viper.New()
	var tables string
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "swarmstore",
		Short: "Runs one peer of a chunk-sharded, multi-version collaborative datastore swarm.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			log.SetLevelString(cfg.LogLevel)
			return run(cfg, tables, metricsAddr)
		},
	}
	if err := config.Bind(cmd, v); err != nil {
		log.Fatalf("bind flags: %v", err)
		os.Exit(1)
	}
	cmd.PersistentFlags().StringVar(&tables, "tables", "", "comma-separated table names to create locally at startup")
	cmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", ":9798", "address to serve /metrics on, empty to disable")

	if err := cmd.Execute(); err != nil {
		log.Fatalf("%v", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, tables, metricsAddr string) error {
	transport := tcprpc.New(cfg.Addr)

	disc, err := newDiscovery(cfg, transport)
	if err != nil {
		return fmt.Errorf("swarmstore: discovery: %w", err)
	}
	if cfg.ClearDiscovery {
		peers, err := disc.GetPeers()
		if err != nil {
			return fmt.Errorf("swarmstore: clear discovery: %w", err)
		}
		for _, peer := range peers {
			if err := disc.Remove(peer.Peer); err != nil {
				return fmt.Errorf("swarmstore: clear discovery: remove %v: %w", peer.Peer, err)
			}
		}
	}

	n := swarmnode.New(cfg, transport, disc)
	if err := n.Serve(); err != nil {
		return fmt.Errorf("swarmstore: serve: %w", err)
	}
	if err := n.Announce(); err != nil {
		return fmt.Errorf("swarmstore: announce: %w", err)
	}

	if cfg.Join != "" {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.DiscoveryTimeout())
		err := n.Join(ctx, cfg.Join)
		cancel()
		if err != nil {
			return fmt.Errorf("swarmstore: join %s: %w", cfg.Join, err)
		}
	}

	for _, table := range strings.Split(tables, ",") {
		table = strings.TrimSpace(table)
		if table == "" {
			continue
		}
		if _, err := n.CreateTable(table); err != nil {
			return fmt.Errorf("swarmstore: create table %q: %w", table, err)
		}
		log.Infof("hosting table %q", table)
	}

	if metricsAddr != "" {
		go serveMetrics(metricsAddr)
	}

	log.Infof("swarmstore: %s listening, peer id %s", cfg.Addr, n.Self())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Infof("swarmstore: shutting down")
	if err := n.Close(); err != nil {
		return err
	}
	if closer, ok := disc.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func newDiscovery(cfg config.Config, transport *tcprpc.Transport) (discovery.Collaborator, error) {
	switch cfg.DiscoveryMode {
	case "server":
		return discoveryserver.New(transport, cfg.DiscoveryServer, cfg.DiscoveryTimeout()), nil
	case "file", "":
		path := cfg.Dir + "/discovery.db"
		return discoveryfile.Open(path, cfg.DiscoveryTimeout())
	default:
		return nil, fmt.Errorf("swarmstore: unknown discovery mode %q", cfg.DiscoveryMode)
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w)
	})
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Errorf("metrics server: %v", err)
	}
}
