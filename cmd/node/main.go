// Command node starts or controls a modality node: the hybrid PoW mining
// chain, the certified DAG and Shoal consensus layers, and the contract
// validator, all behind one process whose lifecycle is managed through a
// data directory's PID file.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/tolelom/modality/config"
	"github.com/tolelom/modality/contract"
	"github.com/tolelom/modality/crypto"
	"github.com/tolelom/modality/events"
	"github.com/tolelom/modality/hybrid"
	"github.com/tolelom/modality/indexer"
	"github.com/tolelom/modality/mining"
	"github.com/tolelom/modality/network"
	"github.com/tolelom/modality/rpc"
	"github.com/tolelom/modality/storage"
	"github.com/tolelom/modality/supervisor"
	"github.com/tolelom/modality/wallet"
)

func main() {
	app := &cli.App{
		Name:  "node",
		Usage: "run and control a modality node",
		Commands: []*cli.Command{
			createCommand(),
			runCommand("run-miner", runMinerRole),
			runCommand("run-validator", runValidatorRole),
			runCommand("run-observer", runObserverRole),
			killCommand(),
			pidCommand(),
			addressCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Println(err)
		os.Exit(supervisor.ExitGenericError)
	}
}

func dirFlag() *cli.StringFlag {
	return &cli.StringFlag{Name: "dir", Required: true, Usage: "node data directory"}
}

func createCommand() *cli.Command {
	return &cli.Command{
		Name:  "create",
		Usage: "initialise a fresh node data directory",
		Flags: []cli.Flag{
			dirFlag(),
			&cli.StringFlag{Name: "from-template", Usage: "YAML config template to seed config.json from"},
		},
		Action: func(c *cli.Context) error {
			dir := c.String("dir")
			if err := os.MkdirAll(dir, 0755); err != nil {
				return cli.Exit(err, supervisor.ExitGenericError)
			}
			cfg := config.DefaultConfig()
			cfg.DataDir = dir
			if tmpl := c.String("from-template"); tmpl != "" {
				data, err := os.ReadFile(tmpl)
				if err != nil {
					return cli.Exit(fmt.Errorf("read template: %w", err), supervisor.ExitInvalidArgs)
				}
				if err := yaml.Unmarshal(data, cfg); err != nil {
					return cli.Exit(fmt.Errorf("parse template: %w", err), supervisor.ExitInvalidArgs)
				}
				cfg.DataDir = dir
			}
			if err := cfg.Validate(); err != nil {
				return cli.Exit(err, supervisor.ExitValidationError)
			}
			if err := config.Save(cfg, dir+"/config.json"); err != nil {
				return cli.Exit(err, supervisor.ExitGenericError)
			}
			w, err := wallet.Generate()
			if err != nil {
				return cli.Exit(err, supervisor.ExitGenericError)
			}
			password := os.Getenv("MODALITY_PASSWORD")
			if err := wallet.SaveKey(dir+"/validator.key", password, w.PrivKey()); err != nil {
				return cli.Exit(err, supervisor.ExitGenericError)
			}
			color.Green("created node at %s (peer id %s)", dir, w.PeerID())
			return nil
		},
	}
}

func runCommand(name string, roleFn func(dir string) error) *cli.Command {
	return &cli.Command{
		Name:  name,
		Usage: "run the node in " + name + " mode",
		Flags: []cli.Flag{dirFlag()},
		Action: func(c *cli.Context) error {
			dir := c.String("dir")
			if err := supervisor.WritePID(dir); err != nil {
				return cli.Exit(err, supervisor.ExitStartupFailure)
			}
			defer supervisor.RemovePID(dir)
			if err := roleFn(dir); err != nil {
				return cli.Exit(err, supervisor.ExitStartupFailure)
			}
			return nil
		},
	}
}

func killCommand() *cli.Command {
	return &cli.Command{
		Name:  "kill",
		Usage: "stop the node running in a data directory",
		Flags: []cli.Flag{dirFlag(), &cli.BoolFlag{Name: "force", Usage: "escalate to SIGKILL if the process does not exit"}},
		Action: func(c *cli.Context) error {
			if err := supervisor.Kill(c.String("dir"), c.Bool("force")); err != nil {
				return cli.Exit(err, supervisor.ExitGenericError)
			}
			return nil
		},
	}
}

func pidCommand() *cli.Command {
	return &cli.Command{
		Name:  "pid",
		Usage: "print the PID of the node running in a data directory",
		Flags: []cli.Flag{dirFlag()},
		Action: func(c *cli.Context) error {
			pid, err := supervisor.ReadPID(c.String("dir"))
			if err != nil {
				return cli.Exit(err, supervisor.ExitGenericError)
			}
			fmt.Println(pid)
			return nil
		},
	}
}

func addressCommand() *cli.Command {
	return &cli.Command{
		Name:  "address",
		Usage: "print this node's P2P listen addresses",
		Flags: []cli.Flag{
			dirFlag(),
			&cli.BoolFlag{Name: "one", Usage: "print only the first address"},
			&cli.BoolFlag{Name: "prefer-local", Usage: "list private-range addresses first (default)"},
			&cli.BoolFlag{Name: "prefer-public", Usage: "list public addresses first"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("dir") + "/config.json")
			if err != nil {
				return cli.Exit(err, supervisor.ExitGenericError)
			}
			addrs, err := localAddresses(cfg.P2PPort, c.Bool("prefer-public"))
			if err != nil {
				return cli.Exit(err, supervisor.ExitGenericError)
			}
			if c.Bool("one") {
				if len(addrs) == 0 {
					return cli.Exit(fmt.Errorf("no non-loopback address found"), supervisor.ExitGenericError)
				}
				fmt.Println(addrs[0])
				return nil
			}
			for _, a := range addrs {
				fmt.Println(a)
			}
			return nil
		},
	}
}

// localAddresses enumerates this host's non-loopback IPv4 addresses,
// listing private ranges first unless preferPublic is set.
func localAddresses(port int, preferPublic bool) ([]string, error) {
	ifaces, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	var private, public []string
	for _, a := range ifaces {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() || ipNet.IP.To4() == nil {
			continue
		}
		addr := fmt.Sprintf("%s:%d", ipNet.IP.String(), port)
		if ipNet.IP.IsPrivate() {
			private = append(private, addr)
		} else {
			public = append(public, addr)
		}
	}
	if preferPublic {
		return append(public, private...), nil
	}
	return append(private, public...), nil
}

// ---- role runtimes ----

// runtime holds the subsystems common to every role: the mining chain,
// storage, the P2P node and the event bus that binds them together.
type runtime struct {
	cfg     *config.Config
	priv    crypto.PrivateKey
	peerID  string
	db      storage.DB
	chain   *mining.Chain
	emitter *events.Emitter
	node    *network.Node
}

func bootstrap(dir string) (*runtime, error) {
	cfg, err := config.Load(dir + "/config.json")
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	password := os.Getenv("MODALITY_PASSWORD")
	priv, err := wallet.LoadKey(dir+"/validator.key", password)
	if err != nil {
		return nil, fmt.Errorf("load key: %w", err)
	}
	w := wallet.New(priv)

	db, err := storage.NewLevelDB(dir + "/chain")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	blockStore := storage.NewMiningBlockStore(db)
	chain := mining.NewChain(blockStore)
	if err := chain.Init(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init chain: %w", err)
	}
	if chain.Tip() == nil {
		genesis, err := config.CreateGenesisBlock(cfg, time.Now().Unix())
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("genesis: %w", err)
		}
		if _, _, err := chain.Accept(genesis); err != nil {
			db.Close()
			return nil, fmt.Errorf("accept genesis: %w", err)
		}
		log.Printf("[node] genesis block committed: %s", genesis.Hash)
	}

	emitter := events.NewEmitter()

	if err := config.EnsureTLSMaterial(cfg.TLS, cfg.NodeID, nil, nil); err != nil {
		db.Close()
		return nil, fmt.Errorf("tls: %w", err)
	}
	tlsCfg, err := config.LoadTLSConfig(cfg.TLS)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("tls: %w", err)
	}
	if tlsCfg != nil {
		log.Println("[node] mTLS enabled for P2P")
	}

	node := network.NewNode(cfg.NodeID, fmt.Sprintf(":%d", cfg.P2PPort), emitter, tlsCfg)
	if err := node.Start(); err != nil {
		db.Close()
		return nil, fmt.Errorf("p2p start: %w", err)
	}
	log.Printf("[node] P2P listening on :%d", cfg.P2PPort)

	for _, sp := range cfg.SeedPeers {
		if err := node.AddPeer(sp.ID, sp.Addr); err != nil {
			log.Printf("[node] seed peer %s (%s): %v", sp.ID, sp.Addr, err)
			continue
		}
		log.Printf("[node] connected to seed peer %s (%s)", sp.ID, sp.Addr)
	}

	return &runtime{cfg: cfg, priv: priv, peerID: w.PeerID(), db: db, chain: chain, emitter: emitter, node: node}, nil
}

func (rt *runtime) close() {
	rt.node.Stop()
	rt.db.Close()
}

func currentEpoch(chain *mining.Chain) int64 {
	tip := chain.Tip()
	if tip == nil {
		return 0
	}
	return tip.Header.Index / 40
}

func runObserverRole(dir string) error {
	rt, err := bootstrap(dir)
	if err != nil {
		return err
	}
	defer rt.close()
	_ = network.NewSyncer(rt.node, rt.chain)
	return waitForSignal()
}

func runMinerRole(dir string) error {
	rt, err := bootstrap(dir)
	if err != nil {
		return err
	}
	defer rt.close()
	_ = network.NewSyncer(rt.node, rt.chain)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		runMiningLoop(ctx, rt)
	}()
	err = waitForSignal()
	cancel()
	wg.Wait()
	return err
}

func runValidatorRole(dir string) error {
	rt, err := bootstrap(dir)
	if err != nil {
		return err
	}
	defer rt.close()
	_ = network.NewSyncer(rt.node, rt.chain)

	contractVal := contract.NewValidator()
	contractLog := storage.NewContractLog(rt.db)
	highestRound, err := storage.LatestRound(rt.db)
	if err != nil {
		return fmt.Errorf("load highest dag round: %w", err)
	}
	dagStore, _, err := storage.Recover(rt.db, highestRound)
	if err != nil {
		return fmt.Errorf("recover dag store: %w", err)
	}
	indexer.New(rt.db, rt.emitter)

	contractSyncer := network.NewContractSyncer(rt.node, contractLog, contractVal, func(contract.Commit) {})
	_ = contractSyncer

	newValidator := func() hybrid.Validator {
		return supervisor.NewShoalValidator(rt.peerID, rt.priv, rt.db, rt.node, contractVal, rt.emitter)
	}
	coord := hybrid.NewCoordinator(rt.chain, rt.emitter, rt.peerID, rt.cfg.CommitteeSize, newValidator)
	if err := coord.ReconcileEpoch(currentEpoch(rt.chain)); err != nil {
		log.Printf("[node] initial epoch reconcile: %v", err)
	}

	rpcHandler := rpc.NewHandler(rt.chain, dagStore, contractVal, contractLog, rt.emitter, rt.cfg.Genesis.ChainID)
	rpcServer := rpc.NewServer(fmt.Sprintf(":%d", rt.cfg.RPCPort), rpcHandler, rt.cfg.RPCAuthToken)
	if err := rpcServer.Start(); err != nil {
		return fmt.Errorf("rpc start: %w", err)
	}
	defer rpcServer.Stop()
	log.Printf("[node] RPC listening on :%d", rt.cfg.RPCPort)

	return waitForSignal()
}

func runMiningLoop(ctx context.Context, rt *runtime) {
	miner := mining.NewMiner(rt.chain, mining.DefaultDifficultyConfig())
	abort := make(chan struct{})
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		block, err := miner.MineNext(ctx, abort, rt.peerID, 0)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[miner] %v", err)
			continue
		}
		if block == nil {
			continue
		}
		if _, _, err := rt.chain.Accept(block); err != nil {
			log.Printf("[miner] accept own block: %v", err)
			continue
		}
		rt.node.BroadcastBlock(block)
		log.Printf("[miner] mined block %d (%s)", block.Header.Index, block.Hash)
		if block.Header.Index%40 == 0 {
			epoch := block.Header.Index / 40
			hybrid.EmitEpochTransition(rt.emitter, epoch)
			rt.node.BroadcastEpochTransition(epoch)
		}
	}
}

func waitForSignal() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("[node] shutting down")
	return nil
}
