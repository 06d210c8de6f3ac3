package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	writersroom "github.com/cjliu2003/writersroom-sub006"
	"github.com/cjliu2003/writersroom-sub006/fallback"
	"github.com/cjliu2003/writersroom-sub006/fanout"
	"github.com/cjliu2003/writersroom-sub006/journal"
	"github.com/cjliu2003/writersroom-sub006/utils"
)

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	_ = godotenv.Load()

	addr := flag.String("addr", env("WR_ADDR", ":8787"), "listen address")
	dataDir := flag.String("data", env("WR_DATA_DIR", "wr-data"), "pebble data directory")
	redisAddr := flag.String("redis", env("WR_REDIS_ADDR", ""),
		"redis address for fanout; empty runs the in-process relay")
	secret := flag.String("jwt-secret", env("WR_JWT_SECRET", ""),
		"HMAC secret for bearer tokens; empty admits anonymous sessions")
	debug := flag.Bool("debug", env("WR_DEBUG", "") != "", "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	log := utils.NewDefaultLogger(level)

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := pebble.Open(*dataDir, &pebble.Options{})
	if err != nil {
		log.Error("cannot open store", "dir", *dataDir, "err", err)
		os.Exit(1)
	}

	relay := fanout.Open(ctx, *redisAddr, log)

	var opts writersroom.Options
	opts.SetDefaults()

	store := fallback.NewStore(db, log,
		fallback.NewLimiter(opts.Limits), opts.FallbackLockWait)

	mtr := writersroom.NewMetrics()
	mtr.MustRegister(prometheus.DefaultRegisterer)
	prometheus.MustRegister(journal.NewStoreCollector(db))

	eng := writersroom.NewEngine(log, opts, db, relay, store, mtr)

	var auth writersroom.Verifier
	if *secret == "" {
		log.Warn("no jwt secret configured, sessions are anonymous")
		auth = writersroom.Anonymous{}
	} else {
		auth = writersroom.NewHMACVerifier([]byte(*secret))
	}

	srv := writersroom.NewServer(log, eng, auth)
	httpSrv := &http.Server{Addr: *addr, Handler: srv.Router()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", "addr", *addr, "fanout", relay.Mode())
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shctx)
	})
	err = g.Wait()

	eng.Close()
	_ = relay.Close()
	if cerr := db.Close(); cerr != nil {
		log.Error("store close failed", "err", cerr)
	}
	if err != nil {
		log.Error("server failed", "err", err)
		os.Exit(1)
	}
}
