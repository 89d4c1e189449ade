// Command p2pnode brings up the P2P association/stream layer, the block
// download tracker and the mempool journal as a single long-running
// process. It exposes the running node's RPC client, double-spend
// authority callback, and non-final-mempool knobs as flags.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"nodecore/core"
	"nodecore/pkg/config"
	"nodecore/pkg/external"
	"nodecore/pkg/ratelimit"
)

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{Use: "p2pnode"}
	root.AddCommand(startCmd())
	root.AddCommand(journalCmd())
	if err := root.Execute(); err != nil {
		logrus.Fatal(err)
	}
}

// services bundles the long-lived collaborators start wires together: the
// libp2p node and its peer manager, the block download tracker with its
// compact-block announcer, the mempool journal, the non-final replacement
// gate the mempool layer consults, and the RPC client used to relay
// notifications (nil when no -rpcconnect is configured).
type services struct {
	node        *core.Node
	peers       *core.PeerManagement
	tracker     *core.BlockDownloadTracker
	journal     *core.Journal
	replaceGate *ratelimit.ReplacementRateLimiter
	rpc         external.RPCClient
}

func startCmd() *cobra.Command {
	var (
		env        string
		dataDir    string
		listenAddr string
		bootstrap  []string
		policyName string
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "bring up a node's association set, block download tracker and journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(env)
			if err != nil {
				logrus.Warnf("config load failed, continuing with flag-only defaults: %v", err)
				cfg = &config.Config{}
			}
			bindP2PFlags(cmd, &cfg.P2P)

			if listenAddr != "" {
				cfg.Network.ListenAddr = listenAddr
			}
			if cfg.Network.ListenAddr == "" {
				cfg.Network.ListenAddr = "/ip4/0.0.0.0/tcp/0"
			}
			if len(bootstrap) > 0 {
				cfg.Network.BootstrapPeers = bootstrap
			}

			dsDir, err := prepareDSTxnsDir(dataDir)
			if err != nil {
				return err
			}
			defer os.RemoveAll(dsDir)

			policy, err := resolvePolicy(policyName)
			if err != nil {
				return err
			}
			logrus.WithFields(logrus.Fields{
				"policy":      policy.Name(),
				"listen_addr": cfg.Network.ListenAddr,
				"rpc_port":    cfg.P2P.RPCPort,
				"dstxns_dir":  dsDir,
			}).Info("p2pnode starting")

			n, err := core.NewNode(core.Config{
				ListenAddr:     cfg.Network.ListenAddr,
				BootstrapPeers: cfg.Network.BootstrapPeers,
				DiscoveryTag:   cfg.Network.DiscoveryTag,
			})
			if err != nil {
				return fmt.Errorf("p2pnode: start node: %w", err)
			}
			defer n.Close()

			pm := core.NewPeerManagement(n)
			svc := &services{
				node:    n,
				peers:   pm,
				tracker: core.NewBlockDownloadTracker(core.NewCmpctAnnouncer(pm), nil, nil),
				journal: core.NewJournal(),
				replaceGate: ratelimit.NewReplacementRateLimiter(
					cfg.P2P.MempoolNonFinalMaxReplacementRate,
					cfg.P2P.MempoolNonFinalMaxReplacementRatePeriod),
			}
			if cfg.P2P.RPCConnect != "" {
				svc.rpc = external.NewHTTPRPCClient(
					fmt.Sprintf("http://%s:%d", cfg.P2P.RPCConnect, cfg.P2P.RPCPort),
					cfg.P2P.RPCUser, cfg.P2P.RPCPassword, cfg.P2P.RPCClientTimeout)
			}

			logrus.Infof("journal ready (size=%d), tracker ready (unique in flight=%d), rpc configured=%t",
				svc.journal.Size(), svc.tracker.UniqueBlockCount(), svc.rpc != nil)
			n.ListenAndServe()
			return nil
		},
	}

	cmd.Flags().StringVar(&env, "env", "", "named environment overlay to merge over the default config")
	cmd.Flags().StringVar(&dataDir, "datadir", ".", "base data directory (holds the dstxns subdirectory)")
	cmd.Flags().StringVar(&listenAddr, "listen-addr", "", "libp2p listen multiaddress, overrides config")
	cmd.Flags().StringSliceVar(&bootstrap, "bootstrap-peers", nil, "bootstrap peer multiaddresses, overrides config")
	cmd.Flags().StringVar(&policyName, "stream-policy", core.PolicyNameDefault, "Default or BlockPriority")

	cmd.Flags().Int("rpcport", 0, "node RPC port")
	cmd.Flags().String("rpcconnect", "", "node RPC host")
	cmd.Flags().String("rpcuser", "", "node RPC username")
	cmd.Flags().String("rpcpassword", "", "node RPC password")
	cmd.Flags().String("rpcwallet", "", "node RPC wallet name")
	cmd.Flags().Duration("rpcclienttimeout", 30*time.Second, "node RPC call timeout")
	cmd.Flags().String("dsauthorityurl", "", "double-spend authority callback URL")
	cmd.Flags().Duration("dsauthoritytimeout", 10*time.Second, "double-spend authority callback timeout")
	cmd.Flags().Int("maxmempoolnonfinal", 0, "max non-final transactions tracked in the mempool")
	cmd.Flags().Int("mempoolnonfinalmaxreplacementrate", 0, "max non-final replacement rate")
	cmd.Flags().Duration("mempoolnonfinalmaxreplacementrateperiod", time.Minute, "period the replacement rate is measured over")
	cmd.Flags().Int32("blockversion", 0, "regtest-only forced block version")

	return cmd
}

// journalCmd is a small operational smoke check: it constructs a fresh
// journal, snapshots it with JournalTester and prints its size. It does not
// attach to a running node's journal.
func journalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "journal-empty-check",
		Short: "report whether a freshly constructed journal is empty (smoke check)",
		RunE: func(cmd *cobra.Command, args []string) error {
			j := core.NewJournal()
			tester := core.NewJournalTester(j)
			fmt.Printf("journal size: %d\n", tester.JournalSize())
			return nil
		},
	}
}

// bindP2PFlags copies any explicitly-set RPC/mempool CLI flags onto cfg,
// overriding whatever the config file loaded. Flags not given on the
// command line do not override a config-supplied value; a flag given
// explicitly overrides it even when set to zero.
func bindP2PFlags(cmd *cobra.Command, cfg *config.P2PConfig) {
	f := cmd.Flags()
	if f.Changed("rpcport") {
		cfg.RPCPort, _ = f.GetInt("rpcport")
	}
	if f.Changed("rpcconnect") {
		cfg.RPCConnect, _ = f.GetString("rpcconnect")
	}
	if f.Changed("rpcuser") {
		cfg.RPCUser, _ = f.GetString("rpcuser")
	}
	if f.Changed("rpcpassword") {
		cfg.RPCPassword, _ = f.GetString("rpcpassword")
	}
	if f.Changed("rpcwallet") {
		cfg.RPCWallet, _ = f.GetString("rpcwallet")
	}
	if f.Changed("rpcclienttimeout") {
		cfg.RPCClientTimeout, _ = f.GetDuration("rpcclienttimeout")
	}
	if f.Changed("dsauthorityurl") {
		cfg.DSAuthorityURL, _ = f.GetString("dsauthorityurl")
	}
	if f.Changed("dsauthoritytimeout") {
		cfg.DSAuthorityTimeout, _ = f.GetDuration("dsauthoritytimeout")
	}
	if f.Changed("maxmempoolnonfinal") {
		cfg.MaxMempoolNonFinal, _ = f.GetInt("maxmempoolnonfinal")
	}
	if f.Changed("mempoolnonfinalmaxreplacementrate") {
		cfg.MempoolNonFinalMaxReplacementRate, _ = f.GetInt("mempoolnonfinalmaxreplacementrate")
	}
	if f.Changed("mempoolnonfinalmaxreplacementrateperiod") {
		cfg.MempoolNonFinalMaxReplacementRatePeriod, _ = f.GetDuration("mempoolnonfinalmaxreplacementrateperiod")
	}
	if f.Changed("blockversion") {
		v, _ := f.GetInt32("blockversion")
		cfg.BlockVersion = v
	}
}

// resolvePolicy maps a CLI-supplied policy name to a core.StreamPolicy.
func resolvePolicy(name string) (core.StreamPolicy, error) {
	switch name {
	case core.PolicyNameDefault, "":
		return core.DefaultStreamPolicy{}, nil
	case core.PolicyNameBlockPriority:
		return core.BlockPriorityStreamPolicy{}, nil
	default:
		return nil, fmt.Errorf("p2pnode: unknown stream policy %q", name)
	}
}

// prepareDSTxnsDir recreates the dstxns subdirectory (one file per
// serialised double-spend transaction, named by its hex id) empty under
// dataDir.
func prepareDSTxnsDir(dataDir string) (string, error) {
	dir := filepath.Join(dataDir, "dstxns")
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("p2pnode: clear dstxns dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("p2pnode: create dstxns dir: %w", err)
	}
	return dir, nil
}
