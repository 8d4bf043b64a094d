package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/redis/go-redis/v9"

	"github.com/vincentbai/browsetrace-captcha/internal/config"
	"github.com/vincentbai/browsetrace-captcha/internal/database"
	"github.com/vincentbai/browsetrace-captcha/internal/logging"
	"github.com/vincentbai/browsetrace-captcha/internal/models"
	"github.com/vincentbai/browsetrace-captcha/internal/page"
	"github.com/vincentbai/browsetrace-captcha/internal/replay"
	"github.com/vincentbai/browsetrace-captcha/internal/server"
	"github.com/vincentbai/browsetrace-captcha/internal/token"
	"github.com/vincentbai/browsetrace-captcha/pkg/captcha"
)

const usage = `usage: captcha-agent <command> [flags]

commands:
  serve    run the development verification endpoint
  replay   replay a JSONL interaction trace and submit the evidence`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "replay":
		err = runReplay(os.Args[2:])
	case "-h", "--help", "help":
		fmt.Println(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s\n", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "captcha-agent:", err)
		os.Exit(1)
	}
}

func setup(fs *flag.FlagSet, args []string) (config.Config, *slog.Logger, error) {
	configPath := fs.String("config", "", "path to captcha.yaml")
	if err := fs.Parse(args); err != nil {
		return config.Config{}, nil, err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return cfg, nil, err
	}
	logger, err := logging.New(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		return cfg, nil, err
	}
	logger.Debug("configuration loaded", "source", cfg.Source)
	return cfg, logger, nil
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfg, logger, err := setup(fs, args)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Server.DatabasePath), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	db, err := database.NewDatabase(cfg.Server.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	count, err := db.CountInteractions(context.Background())
	if err != nil {
		return err
	}
	logger.Info("evidence store opened", "path", cfg.Server.DatabasePath, "interactions", humanize.Comma(int64(count)))

	issuer, err := newIssuer(cfg.Server, logger)
	if err != nil {
		return err
	}

	replayStore, closeStore, err := newReplayStore(cfg.Server, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithPublicToken(cfg.Server.PublicToken),
		server.WithAdminToken(cfg.Server.AdminToken),
	}
	if cfg.Server.RateLimit > 0 {
		opts = append(opts, server.WithRateLimit(cfg.Server.RateLimit, cfg.Server.RateBurst))
	}

	srv := server.NewServer(db, issuer, replayStore, cfg.Server.Address, opts...)
	return srv.Start()
}

func newIssuer(cfg config.ServerConfig, logger *slog.Logger) (*token.Issuer, error) {
	if cfg.PrivateKeyPath != "" {
		key, err := token.LoadPrivateKey(cfg.PrivateKeyPath)
		if err != nil {
			return nil, err
		}
		return token.NewIssuer(key, cfg.TokenTTL), nil
	}
	logger.Warn("no private_key_path configured; generating an ephemeral signing key")
	key, err := token.GenerateKey()
	if err != nil {
		return nil, err
	}
	return token.NewIssuer(key, cfg.TokenTTL), nil
}

func newReplayStore(cfg config.ServerConfig, logger *slog.Logger) (token.ReplayStore, func(), error) {
	if cfg.RedisAddr == "" {
		return token.NewMemoryReplayStore(), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
	}
	logger.Info("replay store connected", "redis", cfg.RedisAddr)
	return token.NewRedisReplayStore(client), func() { client.Close() }, nil
}

func runReplay(args []string) error {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	userAgent := fs.String("user-agent", "captcha-agent/replay", "user agent reported in the evidence")
	width := fs.Int("width", 1280, "viewport width")
	height := fs.Int("height", 720, "viewport height")
	speed := fs.Float64("speed", 1, "playback speed multiplier")
	cfg, logger, err := setup(fs, args)
	if err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("replay expects exactly one trace file")
	}

	path := fs.Arg(0)
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open trace: %w", err)
	}
	defer f.Close()
	if info, err := f.Stat(); err == nil {
		logger.Info("replaying trace", "path", path, "size", humanize.Bytes(uint64(info.Size())))
	}
	steps, err := replay.Read(f)
	if err != nil {
		return err
	}

	ctx := context.Background()
	doc := page.NewDocument(*userAgent, models.Viewport{Width: *width, Height: *height})

	tokenField := cfg.CaptchaConfig().TokenField
	submitted := make(chan string, 1)
	forms := replay.Forms(steps, func(s page.Submission) {
		for _, field := range s.Fields {
			if field.Name == tokenField {
				select {
				case submitted <- field.Value:
				default:
				}
			}
		}
	})
	for _, form := range forms {
		doc.AddForm(form)
	}

	c := captcha.New(doc, cfg.CaptchaConfig(), captcha.WithLogger(logger))
	defer c.Close()
	c.Intercept(forms...)

	player := replay.NewPlayer(doc, replay.Options{Speed: *speed, Logger: logger})
	n, err := player.Play(ctx, steps)
	if err != nil {
		return err
	}
	c.Wait()
	logger.Info("trace replayed", "steps", humanize.Comma(int64(n)), "records", c.Session().Buffer().Len())

	select {
	case tok := <-submitted:
		fmt.Println(tok)
		return nil
	default:
	}
	for _, form := range forms {
		if state := c.State(form); state == captcha.StateFailed {
			return fmt.Errorf("form %q submission failed", form.Name())
		}
	}

	tok, err := c.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}
