// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

/*
jitmaker counters Dutch auction taker orders just in time. Configuration is
read from the environment (and a .env file), a config file and the command
line. See jitmaker --help.
*/

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
	"jitdex.org/jitmaker/client/account"
	"jitdex.org/jitmaker/client/clock"
	"jitdex.org/jitmaker/client/comms"
	"jitdex.org/jitmaker/client/dispatch"
	"jitdex.org/jitmaker/client/mm"
	"jitdex.org/jitmaker/client/orderbook"
	"jitdex.org/jitmaker/dex"
	"jitdex.org/jitmaker/dex/keygen"
	"jitdex.org/jitmaker/dex/order"
)

func main() {
	if err := mainErr(); err != nil {
		fmt.Fprint(os.Stderr, err, "\n")
		os.Exit(1)
	}
	os.Exit(0)
}

func mainErr() error {
	// A missing .env file is fine.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("error loading .env file: %w", err)
	}

	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		return err
	}

	lm, closeLogs, err := initLogging(cfg.LogDir, cfg.DebugLevel, cfg.MaxLogZips)
	if err != nil {
		return err
	}
	defer closeLogs()
	log := lm.NewLogger(logMain)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	killChan := make(chan os.Signal, 1)
	signal.Notify(killChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-killChan:
			log.Infof("Shutdown signal received")
			cancel()
		case <-ctx.Done():
		}
	}()

	kp, err := keygen.LoadKeypair(cfg.PrivateKey)
	if err != nil {
		return fmt.Errorf("error loading signing key: %w", err)
	}
	defer kp.Zero()
	log.Infof("Signing as %s", kp.PubKey())

	var td dex.Teardown
	defer td.Run(log)

	// The order book feed and the slot clock share the websocket.
	pub := orderbook.NewPublisher()
	book := orderbook.NewBook(pub, lm.NewLogger(logBook))
	var feed *orderbook.Feed
	wsCfg := cfg.wsConfig(lm.NewLogger(logComms))
	wsCfg.ReconnectSync = func() {
		feed.Resync()
	}
	wsCfg.ConnectEventFunc = func(status comms.ConnectionStatus) {
		log.Infof("Websocket %s", status)
	}
	conn, err := comms.NewWsConn(wsCfg)
	if err != nil {
		return err
	}
	markets := make([]order.MarketID, 0, len(cfg.Markets))
	for _, mc := range cfg.Markets {
		markets = append(markets, mc.ID())
	}
	feed = orderbook.NewFeed(conn, book, pub, markets, lm.NewLogger(logBook))

	connCtx, stopConn := context.WithCancel(ctx)
	connWG, err := conn.Connect(connCtx)
	if err != nil {
		stopConn()
		return fmt.Errorf("error connecting to %s: %w", cfg.WSURL, err)
	}
	td.Add("websocket", func() error {
		stopConn()
		connWG.Wait()
		return nil
	})
	slots := clock.NewSlotSubscriber(conn, lm.NewLogger(logClock))

	rpcClient, err := rpc.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("error connecting to %s: %w", cfg.RPCURL, err)
	}
	td.Add("rpc client", func() error {
		rpcClient.Close()
		return nil
	})

	mmCfg := cfg.engineConfig()
	programID := cfg.ProgramID
	if programID == "" {
		programID = keygen.DefaultProgramID
	}
	userAccounts := make(map[uint16]string, len(cfg.SubAccounts))
	for _, sub := range cfg.SubAccounts {
		addr, err := keygen.UserAccountAddress(programID, kp.PubKey(), sub)
		if err != nil {
			return fmt.Errorf("error deriving subaccount %d address: %w", sub, err)
		}
		userAccounts[sub] = addr
	}
	accounts := account.NewMap()
	poller, err := account.NewPoller(&account.PollerConfig{
		Client:   rpcClient,
		Accounts: userAccounts,
		Interval: cfg.PollInterval,
		Logger:   lm.NewLogger(logAccount),
	}, accounts)
	if err != nil {
		return err
	}

	shotgun, err := dispatch.New(ctx, &dispatch.Config{
		Endpoints:      cfg.SendURLs,
		RateLimit:      cfg.SendRate,
		ConfirmTimeout: cfg.ConfirmTimeout,
		Logger:         lm.NewLogger(logDispatch),
	})
	if err != nil {
		return err
	}

	engine, err := mm.NewEngine(mmCfg, slots, pub, accounts, shotgun, kp, lm.NewLogger(logEngine))
	if err != nil {
		return err
	}

	td.Disarm()
	defer func() {
		stopConn()
		connWG.Wait()
		rpcClient.Close()
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return feed.Run(gctx)
	})
	g.Go(func() error {
		return poller.Run(gctx)
	})
	g.Go(func() error {
		shotgun.Run(gctx)
		return nil
	})
	g.Go(func() error {
		err := engine.Run(gctx)
		if err != nil {
			log.Errorf("Market maker stopped: %v", err)
		}
		return err
	})
	err = g.Wait()

	st := engine.Stats()
	log.Infof("Passes: %d, stale discards: %d, lagged skips: %d", st.Passes, st.StaleDiscards, st.LaggedSkips)
	log.Infof("Submitted: %d, landed: %d, failed: %d, timed out: %d, expired: %d",
		st.Submitted, st.Landed, st.Failed, st.TimedOut, st.Expired)

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Infof("Exiting jitmaker")
	return nil
}
