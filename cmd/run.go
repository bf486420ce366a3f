package cmd

import (
	"fmt"
	"math/rand"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dhtlab/chord"
	"dhtlab/config"
	"dhtlab/dht"
	"dhtlab/pastry"
	"dhtlab/transport"
	"dhtlab/workload"
)

var runFlags struct {
	protocol   string
	configPath string
	m          int
	b          int
	nodes      int
	items      int
	operations int
	seed       int64
	verbose    bool
}

func init() {
	runCmd.Flags().StringVar(&runFlags.protocol, "protocol", "both", "chord, pastry or both")
	runCmd.Flags().StringVar(&runFlags.configPath, "config", "", "optional YAML config file")
	runCmd.Flags().IntVar(&runFlags.m, "m", 16, "identifier bits")
	runCmd.Flags().IntVar(&runFlags.b, "b", 4, "pastry digit bits")
	runCmd.Flags().IntVar(&runFlags.nodes, "nodes", 50, "number of peers")
	runCmd.Flags().IntVar(&runFlags.items, "items", 200, "initial bindings")
	runCmd.Flags().IntVar(&runFlags.operations, "ops", 500, "workload operations")
	runCmd.Flags().Int64Var(&runFlags.seed, "seed", 42, "workload seed")
	runCmd.Flags().BoolVar(&runFlags.verbose, "verbose", false, "debug logging")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run an in-process experiment comparing the overlays",
	Long: `Run builds the selected overlay(s) over an in-memory bus, seeds
them with a synthetic dataset and replays a deterministic mixed workload,
reporting the average routing-hop cost per operation type.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runExperiment(); err != nil {
			fmt.Println("Error:", err)
			os.Exit(1)
		}
	},
}

func runExperiment() error {
	cfg := config.Default()
	if runFlags.configPath != "" {
		loaded, err := config.Load(runFlags.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	} else {
		cfg.M = runFlags.m
		cfg.B = runFlags.b
		cfg.Seed = runFlags.seed
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	logger := zap.NewNop()
	if runFlags.verbose {
		dev, err := zap.NewDevelopment()
		if err != nil {
			return err
		}
		logger = dev
		defer logger.Sync()
	}

	nodeIDs := randomNodeIDs(runFlags.nodes, cfg.M, cfg.Seed)

	gen := workload.NewGenerator(cfg.Seed)
	items := gen.Dataset(runFlags.items)
	keys := make([]string, len(items))
	for i, item := range items {
		keys[i] = item.Key
	}
	ops := gen.Mixed(runFlags.operations, keys, nil)

	protocols := []string{runFlags.protocol}
	if runFlags.protocol == "both" {
		protocols = []string{"chord", "pastry"}
	}

	for _, proto := range protocols {
		var overlay dht.DHT
		switch proto {
		case "chord":
			overlay = chord.NewRing(cfg.M, cfg.Order, transport.NewBus(logger), logger)
		case "pastry":
			overlay = pastry.NewOverlay(cfg.M, cfg.B, cfg.LeafSetSize, cfg.Order, transport.NewBus(logger), logger)
		default:
			return fmt.Errorf("unknown protocol %q", proto)
		}

		if err := overlay.Build(nodeIDs, items); err != nil {
			return fmt.Errorf("%s build failed: %w", proto, err)
		}

		// Each protocol replays the identical workload.
		results := workload.Replay(overlay, ops)
		printResults(proto, len(overlay.NodeIDs()), results)
	}

	return nil
}

func printResults(protocol string, nodes int, results map[workload.OpType]*workload.OpStats) {
	fmt.Printf("\n%s (%d nodes)\n", protocol, nodes)
	fmt.Printf("  %-8s %8s %10s %9s\n", "op", "count", "avg hops", "failures")
	for _, op := range []workload.OpType{
		workload.OpLookup, workload.OpInsert, workload.OpDelete,
		workload.OpUpdate, workload.OpJoin, workload.OpLeave,
	} {
		st, ok := results[op]
		if !ok {
			continue
		}
		fmt.Printf("  %-8s %8d %10.2f %9d\n", op, st.Count, st.AvgHops(), st.Failures)
	}
}

// randomNodeIDs draws distinct ids from the identifier space.
func randomNodeIDs(count, m int, seed int64) []int {
	rng := rand.New(rand.NewSource(seed))
	size := 1 << uint(m)

	seen := map[int]bool{}
	ids := make([]int, 0, count)
	for len(ids) < count && len(seen) < size {
		id := rng.Intn(size)
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}
