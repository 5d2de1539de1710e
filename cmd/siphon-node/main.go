// siphon-node runs a standalone ingest server backed by an in-memory store.
// It is the receiving end for streamers during development and testing.
package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	siphon "github.com/unkn0wn-root/siphon"
	"github.com/unkn0wn-root/siphon/cluster"
)

func main() {
	var (
		bind  = flag.String("bind", ":7070", "listen address")
		cache = flag.String("cache", "default", "cache name served by this node")
		token = flag.String("token", "", "optional auth token")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	store := siphon.NewMemStore[string, []byte]()
	handler := siphon.NewApplyHandler(
		*cache,
		store,
		cluster.StringKeyCodec[string]{},
		cluster.BytesCodec{},
		nil,
	)

	cfg := cluster.DefaultServerConfig()
	cfg.AuthToken = *token

	srv := cluster.NewServer(*bind, handler.Handle, cfg)
	if err := srv.Start(); err != nil {
		log.Error("listen failed", slog.String("bind", *bind), slog.Any("err", err))
		os.Exit(1)
	}
	log.Info("siphon node up", slog.String("addr", srv.Addr()), slog.String("cache", *cache))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	srv.Stop()
	log.Info("siphon node down")
}
