// Command sandstone runs the realtime session server: lands over
// WebSocket with authoritative state sync.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sandstonelabs/sandstone/internal/config"
	"github.com/sandstonelabs/sandstone/internal/land"
	"github.com/sandstonelabs/sandstone/internal/protocol"
	"github.com/sandstonelabs/sandstone/internal/recorder"
	"github.com/sandstonelabs/sandstone/internal/transport"
	"github.com/sandstonelabs/sandstone/internal/transport/ws"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "sandstone",
		Short:         "Authoritative realtime session server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var (
		configPath string
		listen     string
	)
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			return run(cmd.Context(), cfg)
		},
	}
	serve.Flags().StringVar(&configPath, "config", "", "config file path")
	serve.Flags().StringVar(&listen, "listen", "", "listen address override")

	root.AddCommand(serve, &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(*cobra.Command, []string) {
			fmt.Println("sandstone", version)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(log)

	form, err := protocol.ParseForm(cfg.Encoding)
	if err != nil {
		return err
	}
	policy, err := land.ParseDuplicatePolicy(cfg.DuplicateLoginPolicy)
	if err != nil {
		return err
	}

	codec := protocol.NewCodec(form, protocol.WithPayloadCompression(cfg.PayloadCompression))

	realm := land.NewRealm(log)
	playground, err := land.NewManager("playground", playgroundDefinition(), land.KeeperOptions{
		DestroyWhenEmpty: cfg.DestroyWhenEmpty,
		DuplicatePolicy:  policy,
		Log:              log,
	}, log)
	if err != nil {
		return err
	}
	if err := realm.Register(playground); err != nil {
		return err
	}

	var rec *recorder.Recorder
	if cfg.RecorderDir != "" {
		rec = recorder.New(cfg.RecorderDir, log)
		log.Info("land recorder enabled", "dir", cfg.RecorderDir)
	}

	// The array encodings compress patch paths; the hash table must cover
	// every path the registered lands can emit.
	var hasher *protocol.PathHasher
	if form != protocol.FormJSONObject {
		hasher, err = protocol.NewPathHasher(protocol.BuildHashTable(playgroundPathPatterns()...))
		if err != nil {
			return err
		}
	}

	router := transport.NewRouter(realm, transport.RouterOptions{
		AllowAutoCreateOnJoin: cfg.AllowAutoCreateOnJoin,
		Codec:                 codec,
		PathHasher:            hasher,
		ParallelSend:          config.ParallelEncode(form.JSONBased()),
		Recorder:              rec,
		Log:                   log,
	})

	server := ws.New(ws.Options{
		Router:        router,
		Realm:         realm,
		BinaryFrames:  !form.JSONBased(),
		SendQueueSize: cfg.SendQueueSize,
		WriteTimeout:  cfg.WriteTimeout,
		Log:           log,
	})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(cfg.Listen)
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := realm.Shutdown(shutdownCtx); err != nil {
			log.Error("realm shutdown incomplete", "error", err)
		}
		return server.Shutdown(shutdownCtx)
	})

	log.Info("sandstone started", "listen", cfg.Listen, "encoding", form.String())
	return g.Wait()
}
