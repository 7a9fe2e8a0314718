package main

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/urfave/cli"

	"github.com/ellemouton/onion"
	"github.com/ellemouton/onion/config"
	"github.com/ellemouton/onion/pending"
	"github.com/ellemouton/onion/replay"
)

const defaultDataDirname = ".onion"

func main() {
	app := cli.NewApp()
	app.Name = "onion"
	app.Usage = "build, forward and acknowledge mixnet packets"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name: "user",
			Usage: "The user the command is for. Options " +
				"include: alice, bob, charlie, dave",
		},
		cli.StringFlag{
			Name:  "config",
			Usage: "path to a TOML config file, replaces --user",
		},
		cli.StringFlag{
			Name: "datadir",
			Usage: "directory for the replay and pending " +
				"databases, defaults to ~/.onion/<user>",
		},
		cli.StringFlag{
			Name: "loglevel",
			Usage: "log level for all subsystems, or " +
				"<subsystem>=<level>,... pairs",
		},
	}
	app.After = func(_ *cli.Context) error {
		closeLogRotator()
		return nil
	}
	app.Commands = []cli.Command{
		{
			Name:   "info",
			Usage:  "show the node identity and settings",
			Action: nodeInfo,
		},
		{
			Name:   "build",
			Usage:  "build a packet for a destination",
			Action: buildPacket,
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "hops",
					Usage: "structure: hop1_alias,hop2_alias",
				},
				cli.StringFlag{
					Name:     "to",
					Usage:    "alias or public key of the destination",
					Required: true,
				},
				cli.StringFlag{
					Name:  "message",
					Usage: "message to send, read from stdin if unset",
				},
			},
		},
		{
			Name:   "forward",
			Usage:  "process a received packet",
			Action: forwardPacket,
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:     "packet",
					Usage:    "hex encoded packet",
					Required: true,
				},
				cli.StringFlag{
					Name:     "from",
					Usage:    "alias or public key of the previous hop",
					Required: true,
				},
			},
		},
		{
			Name:   "ack",
			Usage:  "settle a received acknowledgement",
			Action: handleAck,
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:     "ack",
					Usage:    "hex encoded acknowledgement",
					Required: true,
				},
				cli.StringFlag{
					Name:     "from",
					Usage:    "alias or public key of the next hop",
					Required: true,
				},
			},
		},
		{
			Name:   "expire",
			Usage:  "drop pending transactions that were never acknowledged",
			Action: expirePending,
			Flags: []cli.Flag{
				cli.BoolFlag{
					Name:  "watch",
					Usage: "keep sweeping until interrupted",
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalln(err)
	}
}

// nodeEnv is the node a command runs as, along with the stores backing it.
type nodeEnv struct {
	cfg   *config.Config
	node  *onion.Node
	store pending.Store
	log   replay.Log
}

func (e *nodeEnv) close() {
	if err := e.log.Stop(); err != nil {
		mainLog.Errorf("Unable to stop replay log: %v", err)
	}
	if err := e.store.Close(); err != nil {
		mainLog.Errorf("Unable to close pending store: %v", err)
	}
}

// loadConfig reads the config file if one is given, otherwise it builds the
// configuration of the demo user named by --user.
func loadConfig(ctx *cli.Context) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := ctx.GlobalString("config"); path != "" {
		cfg, err = config.LoadFile(path)
		if err != nil {
			return nil, err
		}
	} else {
		cfg, err = userConfig(ctx)
		if err != nil {
			return nil, err
		}
	}

	if lvl := ctx.GlobalString("loglevel"); lvl != "" {
		if err := cfg.SetLogLevel(lvl); err != nil {
			return nil, err
		}
	}
	if cfg.Logging.File != "" {
		err := initLogRotator(
			cfg.Logging.File, cfg.Logging.MaxLogFileSize,
			cfg.Logging.MaxLogFiles,
		)
		if err != nil {
			return nil, err
		}
	}
	setLogLevels(cfg.Logging.Level)

	return cfg, nil
}

func userConfig(ctx *cli.Context) (*config.Config, error) {
	if ctx.GlobalString("user") == "" {
		return nil, errors.New("either --user or --config must be set")
	}

	user, err := onion.GetUser(ctx.GlobalString("user"))
	if err != nil {
		return nil, err
	}

	dataDir := ctx.GlobalString("datadir")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		dataDir = filepath.Join(
			home, defaultDataDirname, strings.ToLower(user.Name),
		)
	}
	dataDir, err = filepath.Abs(dataDir)
	if err != nil {
		return nil, err
	}

	cfg := &config.Config{
		Node: &config.Node{
			PrivateKey: hex.EncodeToString(user.PrivKey.Serialize()),
			DataDir:    dataDir,
		},
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func openReplayLog(cfg *config.Config) (replay.Log, error) {
	var l replay.Log = replay.NewMemoryLog()
	if cfg.Replay.Backend == config.BackendBolt {
		l = replay.NewBoltLog(cfg.ReplayDBPath(), replay.BloomConfig{
			Ln2:               cfg.Replay.BloomLn2,
			FalsePositiveRate: cfg.Replay.FalsePositiveRate,
		})
	}

	if err := l.Start(); err != nil {
		return nil, err
	}

	return l, nil
}

func openPendingStore(cfg *config.Config) (pending.Store, error) {
	if cfg.Pending.Backend == config.BackendMemory {
		return pending.NewMemoryStore(), nil
	}

	return pending.NewBoltStore(cfg.PendingDBPath())
}

// openNode sets up the node the command runs as. The caller must close the
// returned environment.
func openNode(ctx *cli.Context) (*nodeEnv, error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, err
	}

	if cfg.Node.DataDir != "" {
		if err := os.MkdirAll(cfg.Node.DataDir, 0700); err != nil {
			return nil, err
		}
	}

	privKey, err := cfg.Node.Key()
	if err != nil {
		return nil, err
	}

	replayLog, err := openReplayLog(cfg)
	if err != nil {
		return nil, err
	}

	store, err := openPendingStore(cfg)
	if err != nil {
		replayLog.Stop()
		return nil, err
	}

	node, err := onion.NewNode(&onion.NodeConfig{
		PrivateKey:   privKey,
		ReplayLog:    replayLog,
		PendingStore: store,
		RelayFee:     cfg.Node.RelayFee,
	})
	if err != nil {
		replayLog.Stop()
		store.Close()
		return nil, err
	}

	mainLog.Debugf("Running as %v", onion.UserByPubKey(node.PubKey()))

	return &nodeEnv{
		cfg:   cfg,
		node:  node,
		store: store,
		log:   replayLog,
	}, nil
}

// parsePeer resolves a demo user alias or a hex encoded public key.
func parsePeer(s string) (*btcec.PublicKey, error) {
	if user, err := onion.GetUser(s); err == nil {
		return user.PubKey, nil
	}

	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%s is neither a user nor a public key",
			s)
	}

	return btcec.ParsePubKey(b)
}

func nodeInfo(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	privKey, err := cfg.Node.Key()
	if err != nil {
		return err
	}
	pubKey := privKey.PubKey()

	fmt.Printf("%s's public key is: %s\n", onion.UserByPubKey(pubKey),
		hex.EncodeToString(pubKey.SerializeCompressed()))
	fmt.Printf("Relay fee: %d\n", cfg.Node.RelayFee)
	fmt.Printf("Data dir: %s\n", cfg.Node.DataDir)

	return nil
}

func buildPacket(ctx *cli.Context) error {
	var intermediate []*btcec.PublicKey
	if hops := ctx.String("hops"); hops != "" {
		for _, hop := range strings.Split(hops, ",") {
			pub, err := parsePeer(hop)
			if err != nil {
				return err
			}
			intermediate = append(intermediate, pub)
		}
	}

	destination, err := parsePeer(ctx.String("to"))
	if err != nil {
		return err
	}

	msg := ctx.String("message")
	if !ctx.IsSet("message") {
		fmt.Printf("Enter message for %s: ",
			onion.UserByPubKey(destination))

		reader := bufio.NewReader(os.Stdin)
		msg, err = reader.ReadString('\n')
		if err != nil {
			return err
		}
		msg = strings.TrimSuffix(msg, "\n")
	}

	env, err := openNode(ctx)
	if err != nil {
		return err
	}
	defer env.close()

	p, err := onion.CreatePacket(
		env.node, []byte(msg), intermediate, destination,
	)
	if err != nil {
		return err
	}

	firstHop := destination
	if len(intermediate) > 0 {
		firstHop = intermediate[0]
	}

	fmt.Println("Send to:", onion.UserByPubKey(firstHop))
	fmt.Println("Packet:", hex.EncodeToString(p.Bytes()))

	return nil
}

func forwardPacket(ctx *cli.Context) error {
	raw, err := hex.DecodeString(ctx.String("packet"))
	if err != nil {
		return err
	}

	p, err := onion.PacketFromBytes(raw)
	if err != nil {
		return err
	}

	previous, err := parsePeer(ctx.String("from"))
	if err != nil {
		return err
	}

	env, err := openNode(ctx)
	if err != nil {
		return err
	}
	defer env.close()

	res, err := p.ForwardTransform(env.node, previous)
	if err != nil {
		return err
	}

	fmt.Println("Action:", res.Action)

	switch res.Action {
	case onion.ActionDeliver:
		fmt.Printf("Message: %q\n", res.Payload)
		fmt.Println("Identifier:", hex.EncodeToString(res.Identifier[:]))
		fmt.Println("Transaction amount:", res.Transaction.Amount())

	case onion.ActionForward:
		fmt.Println("Send to:", onion.UserByPubKey(res.NextHop))
		fmt.Println("Packet:", hex.EncodeToString(p.Bytes()))
	}

	fmt.Printf("Acknowledgement for %s: %s\n", onion.UserByPubKey(previous),
		hex.EncodeToString(res.Ack.Bytes()))

	return nil
}

func handleAck(ctx *cli.Context) error {
	raw, err := hex.DecodeString(ctx.String("ack"))
	if err != nil {
		return err
	}

	ack, err := onion.AcknowledgementFromBytes(raw)
	if err != nil {
		return err
	}

	from, err := parsePeer(ctx.String("from"))
	if err != nil {
		return err
	}

	env, err := openNode(ctx)
	if err != nil {
		return err
	}
	defer env.close()

	acked, err := onion.HandleAcknowledgement(env.node, ack, from)
	if err != nil {
		return err
	}

	fmt.Printf("Acknowledged by %s, transaction amount %d\n",
		onion.UserByPubKey(acked.NextHop), acked.Transaction.Amount())

	if !acked.Redeemable() {
		fmt.Println("Nothing to redeem, the transaction was ours")
		return nil
	}

	signer, err := acked.Transaction.Signer()
	if err != nil {
		return err
	}

	fmt.Printf("Redeem from %s with: %s\n", onion.UserByPubKey(signer),
		hex.EncodeToString(acked.Response()))

	return nil
}

func expirePending(ctx *cli.Context) error {
	env, err := openNode(ctx)
	if err != nil {
		return err
	}
	defer env.close()

	timeout := env.cfg.Node.AckTimeoutDuration()

	if !ctx.Bool("watch") {
		cutoff := clock.NewDefaultClock().Now().Add(-timeout)
		n, err := env.store.Expire(cutoff)
		if err != nil {
			return err
		}
		onion.RecordExpired(n)

		fmt.Printf("Dropped %d unacknowledged transactions\n", n)

		return nil
	}

	janitor := pending.NewJanitor(&pending.JanitorConfig{
		Store:   env.store,
		Timeout: timeout,
		Ticker: ticker.New(
			env.cfg.Pending.ExpiryIntervalDuration(),
		),
		OnExpire: func(n int) {
			onion.RecordExpired(n)
			fmt.Printf("Dropped %d unacknowledged transactions\n",
				n)
		},
	})
	janitor.Start()
	defer janitor.Stop()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	<-interrupt

	return nil
}
