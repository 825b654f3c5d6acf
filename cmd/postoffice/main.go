package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rmacdonaldsmith/postoffice-go/internal/brokernode"
	"github.com/rmacdonaldsmith/postoffice-go/pkg/log"
)

const (
	// Application info
	appName    = "PostOffice"
	appVersion = "0.1.0"

	// shutdownTimeout bounds the graceful stop on a signal
	shutdownTimeout = 30 * time.Second
)

// options are the command line settings applied over the configuration file
type options struct {
	configPath  string
	nodeID      string
	httpPort    string
	peerListen  string
	peers       string
	logLevel    string
	secretKey   string
	pagingDir   string
	noAuth      bool
	showVersion bool
	showHealth  bool
}

func parseFlags(args []string, output io.Writer) (*options, *flag.FlagSet, error) {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(output)

	opts := &options{}
	fs.StringVar(&opts.configPath, "config", "", "Path to a YAML configuration file")
	fs.StringVar(&opts.nodeID, "node-id", "", "Unique node identifier (default derived from hostname)")
	fs.StringVar(&opts.httpPort, "http", "", "Management API port (default "+brokernode.DefaultHTTPPort+")")
	fs.StringVar(&opts.peerListen, "peer-listen", "", "Listen address for peer connections (default "+brokernode.DefaultListenAddress+")")
	fs.StringVar(&opts.peers, "peers", "", "Comma separated peer seeds, id=host:port or host:port")
	fs.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	fs.StringVar(&opts.secretKey, "secret", os.Getenv("POSTOFFICE_SECRET"), "Secret signing management tokens")
	fs.StringVar(&opts.pagingDir, "paging-dir", "", "Directory of the page store (default in memory)")
	fs.BoolVar(&opts.noAuth, "no-auth", false, "Disable authentication of non-admin endpoints")
	fs.BoolVar(&opts.showVersion, "version", false, "Show version and exit")
	fs.BoolVar(&opts.showHealth, "health", false, "Show health status and exit")

	if err := fs.Parse(args); err != nil {
		return nil, fs, err
	}
	return opts, fs, nil
}

// buildConfig loads the configuration file, if any, and applies the flags set on the command line
func buildConfig(opts *options, fs *flag.FlagSet) (*brokernode.Config, error) {
	config := &brokernode.Config{}
	if opts.configPath != "" {
		loaded, err := brokernode.LoadConfig(opts.configPath)
		if err != nil {
			return nil, err
		}
		config = loaded
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if set["node-id"] {
		config.NodeID = opts.nodeID
	}
	if config.NodeID == "" {
		config.NodeID = getDefaultNodeID()
	}
	if set["http"] {
		config.HTTP.Port = opts.httpPort
	}
	if set["peer-listen"] {
		config.PeerLink.ListenAddress = opts.peerListen
	}
	if set["peers"] {
		config.Peers = splitList(opts.peers)
	}
	if set["log-level"] {
		config.LogLevel = opts.logLevel
	}
	if opts.secretKey != "" {
		config.HTTP.SecretKey = opts.secretKey
	}
	if set["paging-dir"] {
		config.Paging.Directory = opts.pagingDir
	}
	if set["no-auth"] {
		config.HTTP.NoAuth = opts.noAuth
	}

	config.SetDefaults()
	if log.ParseLevel(config.LogLevel) == log.InvalidLevel {
		return nil, fmt.Errorf("invalid log level %q", config.LogLevel)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// getDefaultNodeID generates a default node ID based on hostname
func getDefaultNodeID() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "postoffice-node-1"
	}
	return fmt.Sprintf("postoffice-%s", hostname)
}

func main() {
	opts, fs, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	if opts.showVersion {
		fmt.Printf("%s v%s\n", appName, appVersion)
		os.Exit(0)
	}

	config, err := buildConfig(opts, fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger := log.NewZap(log.ParseLevel(config.LogLevel), os.Stdout)
	defer func() { _ = logger.Flush() }()

	if err := run(config, opts.showHealth, logger); err != nil {
		logger.Errorf("%s node %s failed: %v", appName, config.NodeID, err)
		_ = logger.Flush()
		os.Exit(1)
	}
}

func run(config *brokernode.Config, showHealth bool, logger log.Logger) error {
	logger.Infof("starting %s v%s node=%s http=:%s peer-listen=%s",
		appName, appVersion, config.NodeID, config.HTTP.Port, config.PeerLink.ListenAddress)
	if config.HTTP.SecretKey == "" {
		logger.Warn("no management secret configured, using the development key")
	}

	node, err := brokernode.NewNode(config, brokernode.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() {
		if err := node.Close(); err != nil {
			logger.Warnf("error closing node: %v", err)
		}
	}()

	if showHealth {
		return printHealth(node)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := node.Start(ctx); err != nil {
		return err
	}
	logHealth(ctx, node, logger)
	logger.Infof("%s node %s started, use Ctrl+C to shut down", appName, config.NodeID)

	<-ctx.Done()
	logger.Info("received shutdown signal, shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := node.Stop(shutdownCtx); err != nil {
		logger.Warnf("error during graceful stop: %v", err)
	}
	logger.Infof("%s node %s stopped", appName, config.NodeID)
	return nil
}

// logHealth logs the node health after startup
func logHealth(ctx context.Context, node *brokernode.Node, logger log.Logger) {
	health, err := node.GetHealth(ctx)
	if err != nil {
		logger.Warnf("could not get health status: %v", err)
		return
	}
	logger.With(
		"healthy", health.Healthy,
		"postOffice", health.PostOfficeHealthy,
		"paging", health.PagingHealthy,
		"peerLink", health.PeerLinkHealthy,
		"bindings", health.Bindings,
		"connectedPeers", health.ConnectedPeers,
		"managementAPI", node.HTTPAddress(),
		"peerAddress", node.PeerAddress(),
	).Info("node health")
	if !health.Healthy {
		logger.Warnf("health issues: %s", health.Message)
	}
}

// printHealth shows health of a node that has not been started (for --health flag)
func printHealth(node *brokernode.Node) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := node.GetHealth(ctx)
	if err != nil {
		return fmt.Errorf("failed to get health status: %w", err)
	}

	fmt.Printf("%s Node Health Status:\n", appName)
	fmt.Printf("  PostOffice: %s\n", healthStatus(health.PostOfficeHealthy))
	fmt.Printf("  Paging: %s\n", healthStatus(health.PagingHealthy))
	fmt.Printf("  Bindings: %d\n", health.Bindings)
	return nil
}

// healthStatus returns a health status string
func healthStatus(healthy bool) string {
	if healthy {
		return "Healthy"
	}
	return "Unhealthy"
}
