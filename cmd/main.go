package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pterm/pterm"
	"github.com/pterm/pterm/putils"

	"github.com/happybigmtn/dicenet/config"
	"github.com/happybigmtn/dicenet/consensus"
	"github.com/happybigmtn/dicenet/domain/craps"
	"github.com/happybigmtn/dicenet/identity"
	"github.com/happybigmtn/dicenet/ledger"
	"github.com/happybigmtn/dicenet/metrics"
	"github.com/happybigmtn/dicenet/network"
	"github.com/happybigmtn/dicenet/validator"
)

const clusterSize = 4

func main() {
	// Create a new slog handler with the default PTerm logger
	handler := pterm.NewSlogHandler(&pterm.DefaultLogger)
	logger := slog.New(handler)
	slog.SetDefault(logger)

	pterm.DefaultBigText.WithLetters(
		putils.LettersFromStringWithStyle("D", pterm.FgRed.ToStyle()),
		putils.LettersFromStringWithStyle("ice", pterm.FgDarkGray.ToStyle()),
		putils.LettersFromStringWithStyle("N", pterm.FgRed.ToStyle()),
		putils.LettersFromStringWithStyle("et", pterm.FgDarkGray.ToStyle()),
	).Render()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("configuration invalid", "err", err)
		os.Exit(1)
	}

	providers := make([]*identity.Provider, clusterSize)
	ids := make([]identity.NodeID, clusterSize)
	for i := range providers {
		p, err := identity.Generate()
		if err != nil {
			logger.Error("keypair generation failed", "err", err)
			os.Exit(1)
		}
		providers[i] = p
		ids[i] = p.ID()
	}
	set := consensus.NewValidatorSet(ids)

	balances := map[string]uint64{
		craps.TreasuryAccount: 1_000_000,
		"alice":               1_000,
		"bob":                 1_000,
		"carol":               1_000,
	}

	registry := prometheus.NewRegistry()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		if err := http.ListenAndServe(cfg.ListenAddr, mux); err != nil {
			logger.Warn("metrics endpoint stopped", "err", err)
		}
	}()

	mesh := network.NewMesh()
	nodes := make([]*validator.Node, clusterSize)
	for i, p := range providers {
		var observers []consensus.Observer
		if i == 0 {
			observers = append(observers, metrics.NewCollector(registry))
		}
		var store consensus.CheckpointStore = ledger.NewCheckpoints()
		if cfg.CheckpointPath != "" {
			store, err = ledger.NewFileCheckpoints(fmt.Sprintf("%s.%d", cfg.CheckpointPath, i))
			if err != nil {
				logger.Error("checkpoint store unavailable", "err", err)
				os.Exit(1)
			}
		}
		node, err := validator.NewNode(cfg, validator.Options{
			Provider:  p,
			Set:       set,
			Transport: mesh.Join(p.ID()),
			Store:     store,
			Balances:  balances,
			Observers: observers,
			Logger:    logger,
		})
		if err != nil {
			logger.Error("node wiring failed", "err", err)
			os.Exit(1)
		}
		nodes[i] = node
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	for _, node := range nodes {
		go func(n *validator.Node) {
			if err := n.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("node stopped", "node", n.ID().Short(), "err", err)
			}
		}(node)
	}

	pterm.Info.Printfln("running %d validators, players: alice, bob, carol", clusterSize)

	go placeBets(ctx, nodes[0], logger)

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	var lastRound uint64
	for {
		select {
		case <-ctx.Done():
			pterm.Info.Println("shutting down")
			printBalances(nodes[0])
			return
		case <-ticker.C:
			st := nodes[0].State()
			if st.Round != lastRound {
				lastRound = st.Round
				pterm.Success.Printfln("round %d done, last dice %v", st.Round-1, st.LastDice)
				printBalances(nodes[0])
			}
		}
	}
}

// placeBets plays the three demo players: one bet each per betting window.
func placeBets(ctx context.Context, gateway *validator.Node, logger *slog.Logger) {
	players := []struct {
		name string
		bet  craps.BetType
	}{
		{"alice", craps.BetPass},
		{"bob", craps.BetDontPass},
		{"carol", craps.BetField},
	}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	var betRound uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := gateway.State()
			if st.Phase != craps.PhaseBetting || st.Round == betRound {
				continue
			}
			betRound = st.Round
			for _, p := range players {
				if err := gateway.PlaceBet(p.name, p.bet, 10); err != nil {
					logger.Debug("bet rejected", "player", p.name, "err", err)
				}
			}
		}
	}
}

func printBalances(node *validator.Node) {
	st := node.State()
	names := make([]string, 0, len(st.Balances))
	for name := range st.Balances {
		names = append(names, name)
	}
	sort.Strings(names)
	rows := pterm.TableData{{"account", "balance"}}
	for _, name := range names {
		rows = append(rows, []string{name, fmt.Sprint(st.Balances[name])})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}
