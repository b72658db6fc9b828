package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/tango/pkg/config"
	"github.com/cuemby/tango/pkg/log"
	"github.com/cuemby/tango/pkg/metrics"
	"github.com/cuemby/tango/pkg/server"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tango",
	Short: "Tango - control system device servers and event delivery",
	Long: `Tango runs the naming database and device servers of a control
system, and subscribes to the change, archive, alarm and data ready events
their attributes publish over the zmq and notifd transports.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Tango version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Log in JSON")

	rootCmd.AddCommand(databaseCmd)
	rootCmd.AddCommand(serverCmd)
}

// initLogging applies the persistent log flags.
func initLogging(cmd *cobra.Command) {
	level, _ := cmd.Flags().GetString("log-level")
	jsonOut, _ := cmd.Flags().GetBool("log-json")
	log.Init(log.Config{Level: log.ParseLevel(level), JSONOutput: jsonOut, Output: os.Stderr})
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

var databaseCmd = &cobra.Command{
	Use:   "database",
	Short: "Run the database server",
	Long: `Run the naming and property database as device sys/database/2.

With --broker the database also runs a notification broker and registers
it as the notifd factory of --host, so device servers on that host can
publish over the notifd transport.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging(cmd)
		addr, _ := cmd.Flags().GetString("addr")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		host, _ := cmd.Flags().GetString("host")
		broker, _ := cmd.Flags().GetBool("broker")
		brokerPort, _ := cmd.Flags().GetInt("broker-port")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		db := server.NewDatabaseServer(server.DatabaseConfig{
			Addr:       addr,
			DataDir:    dataDir,
			Host:       host,
			Broker:     broker,
			BrokerPort: brokerPort,
		})
		ctx, stop := signalContext()
		defer stop()
		if err := db.Start(ctx); err != nil {
			db.Stop()
			return err
		}

		if metricsAddr != "" {
			m := metrics.NewHTTPServer(metrics.Default())
			if err := m.Start(metricsAddr); err != nil {
				db.Stop()
				return err
			}
			defer func() { _ = m.Stop(context.Background()) }()
		}

		fmt.Printf("Database serving on %s\n", db.Addr())
		if b := db.Broker(); b != nil {
			fmt.Printf("Notification broker on %s\n", b.URL())
		}
		fmt.Println("Press Ctrl+C to stop.")
		return db.Run(ctx)
	},
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run a device server from a configuration file",
	Long: `Run a device server: its admin device and the devices declared in
the configuration file, with polling and both event transports.

Examples:
  # Run against a database
  TANGO_HOST=db:10000 tango server -c evt.yaml

  # Run with a file database, no database server needed
  tango server -c evt.yaml --file-db ./evt-data`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("file-db") {
			cfg.Server.FileDB, _ = cmd.Flags().GetString("file-db")
		}
		if cmd.Flags().Changed("port") {
			cfg.Server.Port, _ = cmd.Flags().GetInt("port")
		}
		if cmd.Flags().Changed("log-level") {
			cfg.Log.Level, _ = cmd.Flags().GetString("log-level")
		}
		if cmd.Flags().Changed("log-json") {
			cfg.Log.JSON, _ = cmd.Flags().GetBool("log-json")
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		log.Init(log.Config{Level: log.ParseLevel(cfg.Log.Level), JSONOutput: cfg.Log.JSON, Output: os.Stderr})

		ctx, stop := signalContext()
		defer stop()
		rt := server.New(cfg)
		if err := rt.Start(ctx); err != nil {
			rt.Stop()
			return err
		}
		fmt.Printf("Device server %s serving %d devices on %s\n",
			cfg.Server.Name, len(rt.DServer().Devices()), rt.Addr())
		if p := rt.ZmqPublisher(); p != nil {
			hb, ev := p.Endpoints()
			fmt.Printf("  zmq heartbeat: %s\n  zmq events:    %s\n", hb, ev)
		}
		fmt.Println("Press Ctrl+C to stop.")
		return rt.Run(ctx)
	},
}

func init() {
	databaseCmd.Flags().String("addr", ":10000", "Address of the database RPC listener")
	databaseCmd.Flags().String("data-dir", "./tango-data", "Data directory of the database")
	databaseCmd.Flags().String("host", "", "Host name advertised for the notifd factory (default: hostname)")
	databaseCmd.Flags().Bool("broker", false, "Run a notification broker for the notifd transport")
	databaseCmd.Flags().Int("broker-port", 4222, "Port of the notification broker (-1 picks a free port)")
	databaseCmd.Flags().String("metrics-addr", "", "Address of the metrics and health endpoints")

	serverCmd.Flags().StringP("config", "c", "", "Configuration file (required)")
	serverCmd.Flags().String("file-db", "", "Serve the database from this directory instead of TANGO_HOST")
	serverCmd.Flags().Int("port", 0, "Port of the device RPC listener (0 picks a free port)")
	_ = serverCmd.MarkFlagRequired("config")
}
