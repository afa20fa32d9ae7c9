package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/alanbriolat/audio-relay/async"
	"github.com/alanbriolat/audio-relay/internal/boltdb"
	"github.com/alanbriolat/audio-relay/internal/config"
	"github.com/alanbriolat/audio-relay/internal/server"
)

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.JSON {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	if cfg.Level != "" {
		var level zapcore.Level
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		zc.Level = zap.NewAtomicLevelAt(level)
	}
	return zc.Build()
}

func main() {
	logger, err := newLogger(config.LoggingConfig{})
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	zap.RedirectStdLog(logger)
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var cfg config.Config
	app := &cli.App{
		Name:  "audio-relay",
		Usage: "resolve links to playable audio and relay it to clients",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "load configuration from `FILE`",
			},
			&cli.StringFlag{
				Name:  "env-file",
				Value: ".env",
				Usage: "read secrets from `FILE` if it exists",
			},
		},
		Before: func(c *cli.Context) error {
			if cfg, err = config.Load(c.String("config")); err != nil {
				return err
			}
			env, err := config.Environ(c.String("env-file"))
			if err != nil {
				return err
			}
			cfg.ApplyEnv(env)
			if logger, err = newLogger(cfg.Logging); err != nil {
				return err
			}
			zap.ReplaceGlobals(logger)
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the HTTP API",
				Action: func(c *cli.Context) error {
					return serve(ctx, cfg)
				},
			},
			{
				Name:      "resolve",
				Usage:     "resolve URLs and print the results as JSON",
				ArgsUsage: "URL...",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "stage",
						Usage: "only try the resolution tier named `STAGE`, and report its errors",
					},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() == 0 {
						return cli.Exit("no URLs given", 2)
					}
					return resolve(ctx, cfg, c.String("stage"), c.Args().Slice(), os.Stdout)
				},
			},
			{
				Name:      "play",
				Usage:     "resolve a URL and remux its audio into a file",
				ArgsUsage: "URL",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "out",
						Aliases:  []string{"o"},
						Required: true,
						Usage:    "write fragmented MP4 audio to `FILE`",
					},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return cli.Exit("expected exactly one URL", 2)
					}
					return play(ctx, cfg, c.Args().First(), c.String("out"))
				},
			},
		},
		HideHelpCommand: true,
	}

	result := async.Run(func() error { return app.Run(os.Args) })

	select {
	case err = <-result:
		if err != nil {
			logger.Fatal(err.Error())
		}
	case <-ctx.Done():
		stop()
		err = <-result
		if err != nil {
			logger.Fatal(err.Error())
		}
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := zap.S()

	store, err := boltdb.Open(cfg.Database, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	comps, err := newComponents(cfg, logger, reg, store)
	if err != nil {
		return err
	}
	defer comps.dispatcher.Close()

	gin.SetMode(gin.ReleaseMode)
	api := server.NewAPI(comps.dispatcher, store, comps.proxy, logger)
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.NewRouter(api, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := async.Run(func() error {
		logger.Infow("listening", "address", cfg.Listen, "stages", comps.dispatcher.Stages())
		return srv.ListenAndServe()
	})
	select {
	case err = <-errs:
		return err
	case <-ctx.Done():
		logger.Info("Exiting gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err = <-errs; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func resolve(ctx context.Context, cfg config.Config, stage string, urls []string, out io.Writer) error {
	comps, err := newComponents(cfg, zap.S(), prometheus.NewRegistry(), nil)
	if err != nil {
		return err
	}
	defer comps.dispatcher.Close()

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if stage != "" {
		for _, url := range urls {
			item, err := comps.dispatcher.DispatchWith(ctx, stage, url)
			if err != nil {
				return fmt.Errorf("%s: %w", url, err)
			}
			if err := enc.Encode(item); err != nil {
				return err
			}
		}
		return nil
	}
	for _, item := range comps.dispatcher.DispatchBatch(ctx, urls) {
		if err := enc.Encode(item); err != nil {
			return err
		}
	}
	return nil
}

func play(ctx context.Context, cfg config.Config, url string, target string) error {
	logger := zap.S()
	comps, err := newComponents(cfg, logger, prometheus.NewRegistry(), nil)
	if err != nil {
		return err
	}
	defer comps.dispatcher.Close()

	item := comps.dispatcher.Dispatch(ctx, url)
	upstream := item.AudioURL
	switch {
	case item.Playable():
	case item.IsMetadataOnly():
		logger.Infof("Resolving audio for %q", item.Title)
		if upstream, err = comps.proxy.Upstream(ctx, url, url); err != nil {
			return err
		}
	default:
		return fmt.Errorf("no playable audio found for %s", url)
	}

	f, err := os.Create(target)
	if err != nil {
		return err
	}
	defer f.Close()

	logger.Infof("Remuxing %q into %s", item.Title, target)
	bar := progressbar.DefaultBytes(-1, "remuxing")
	written, err := comps.remuxer.Remux(ctx, upstream, io.MultiWriter(f, bar))
	_ = bar.Finish()
	if err != nil {
		return err
	}
	logger.Infow("Remux complete", "written", written, "target", target)
	return nil
}
