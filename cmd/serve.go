package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dhtlab/config"
	"dhtlab/nodeserver"
)

var serveFlags struct {
	nodeID     int
	protocol   string
	address    string
	configPath string
}

func init() {
	serveCmd.Flags().IntVar(&serveFlags.nodeID, "node-id", 0, "this peer's identifier")
	serveCmd.Flags().StringVar(&serveFlags.protocol, "protocol", "chord", "chord or pastry")
	serveCmd.Flags().StringVar(&serveFlags.address, "address", "0.0.0.0:8000", "listen address")
	serveCmd.Flags().StringVar(&serveFlags.configPath, "config", "", "optional YAML config file")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a single DHT peer over HTTP",
	Long: `Serve hosts one peer of the selected protocol behind the node
HTTP API (/message, /init, /health, ...). Peer addresses and routing state
are installed by the orchestrator through POST /init.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := serveNode(); err != nil {
			fmt.Println("Error:", err)
			os.Exit(1)
		}
	},
}

func serveNode() error {
	cfg := config.Default()
	if serveFlags.configPath != "" {
		loaded, err := config.Load(serveFlags.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer logger.Sync()

	srv, err := nodeserver.New(serveFlags.nodeID, serveFlags.protocol, cfg, logger)
	if err != nil {
		return err
	}
	return srv.Start(serveFlags.address)
}
