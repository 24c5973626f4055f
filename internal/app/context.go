package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"trail/internal/closure"
	"trail/internal/config"
	"trail/internal/db"
	"trail/internal/engine"
	"trail/internal/migrate"
	"trail/internal/notify"
	"trail/internal/share"
)

type Options struct {
	DataDir string
	Logger  *log.Logger
	Now     func() time.Time
	// ShareSecret signs share links; empty disables them.
	ShareSecret string
}

// Context is the wired application: database, loaded config, engine and
// the background workers that drive closure and notifications.
type Context struct {
	DB         *sql.DB
	Config     *config.Config
	Engine     engine.Engine
	Runner     *closure.Runner
	Dispatcher *notify.Dispatcher
	Share      share.Links
}

// Open opens the data directory's database, applies migrations and loads
// trail.yml, falling back to the built-in defaults when it is absent.
func Open(ctx context.Context, opts Options) (*Context, error) {
	cfg, err := config.LoadOptional(opts.DataDir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg == nil {
		cfg = config.Default()
	}
	conn, err := db.Open(db.Config{DataDir: opts.DataDir})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	return Build(conn, cfg, opts), nil
}

// Build wires components over an open, migrated database.
func Build(conn *sql.DB, cfg *config.Config, opts Options) *Context {
	if cfg == nil {
		cfg = config.Default()
	}
	e := engine.New(conn, cfg, engine.Options{Now: opts.Now, Logger: opts.Logger})

	runner := closure.NewRunner(e.Scheduler)
	runner.Logger = opts.Logger
	if cfg.Closure.Workers > 0 {
		runner.Workers = cfg.Closure.Workers
	}
	if cfg.Closure.PollInterval > 0 {
		runner.PollInterval = cfg.Closure.PollInterval
	}
	if cfg.Closure.FireTimeout > 0 {
		runner.FireTimeout = cfg.Closure.FireTimeout
	}
	e.OnSchedule = runner.Wake

	var sender notify.Sender = notify.LogSender{Logger: opts.Logger}
	if hooks := notify.NewWebhookSender(cfg.Notifications.Webhooks); len(hooks.Webhooks) > 0 {
		sender = hooks
	}
	dispatcher := &notify.Dispatcher{
		Repo:         e.Repo,
		Sender:       sender,
		MaxAttempts:  cfg.Notifications.MaxAttempts,
		BaseBackoff:  cfg.Notifications.BaseBackoff,
		MaxBackoff:   cfg.Notifications.MaxBackoff,
		PollInterval: cfg.Notifications.PollInterval,
		Workers:      cfg.Notifications.Workers,
		Logger:       opts.Logger,
		Now:          opts.Now,
	}

	links := share.Links{TTL: cfg.Share.TTL, Packets: e.Packets, Now: e.Now}
	if opts.ShareSecret != "" {
		links.Secret = []byte(opts.ShareSecret)
	}
	return &Context{
		DB:         conn,
		Config:     cfg,
		Engine:     e,
		Runner:     runner,
		Dispatcher: dispatcher,
		Share:      links,
	}
}

func (c *Context) Close() error {
	return c.DB.Close()
}
