package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"

	"github.com/mschirtzinger/tasksync/internal/cache"
	"github.com/mschirtzinger/tasksync/internal/config"
	"github.com/mschirtzinger/tasksync/internal/logging"
	"github.com/mschirtzinger/tasksync/internal/model"
	"github.com/mschirtzinger/tasksync/internal/probe"
	"github.com/mschirtzinger/tasksync/internal/queue"
	"github.com/mschirtzinger/tasksync/internal/remote"
	"github.com/mschirtzinger/tasksync/internal/session"
	"github.com/mschirtzinger/tasksync/internal/tasksync"
	"github.com/mschirtzinger/tasksync/internal/ui"
)

// app holds everything a command needs, opened from the configuration.
type app struct {
	cfg     *config.Config
	logs    *logging.Factory
	db      *cache.DB
	queue   *queue.Queue
	session *session.Session
	probe   probe.Probe

	services map[model.Kind]*tasksync.Service
	order    []model.Kind

	// remoteUp is false when no remote is configured or it could not be
	// opened. Every change is then queued.
	remoteUp bool

	out    *ui.Printer
	errOut *ui.Printer

	closers []func() error
}

// openApp loads the configuration and opens the cache, the queue, the
// remote and one service per work type. Logs go to stderr only with
// --verbose unless showLogs is set.
func openApp(ctx context.Context, showLogs bool) (*app, error) {
	overrides := map[string]any{}
	if offline {
		overrides["probe.mode"] = probe.ModeOffline
	}
	cfg, err := config.Load(config.Options{File: cfgFile, Overrides: overrides})
	if err != nil {
		return nil, err
	}

	logs := logging.New(logging.Options{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Quiet:      !showLogs && !verbose,
	})

	a := &app{
		cfg:      cfg,
		logs:     logs,
		services: make(map[model.Kind]*tasksync.Service),
		out:      ui.Stdout(plain),
		errOut:   ui.New(os.Stderr, plain),
		closers:  []func() error{logs.Close},
	}
	if err := a.open(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) open(ctx context.Context) error {
	workTypes := model.BuiltinWorkTypes()
	if a.cfg.WorkTypesFile != "" {
		var err error
		if workTypes, err = model.LoadWorkTypes(a.cfg.WorkTypesFile); err != nil {
			return err
		}
	}

	db, err := cache.Open(a.cfg.DBPath)
	if err != nil {
		return err
	}
	a.db = db
	a.closers = append(a.closers, db.Close)
	if err := db.InitSchema(ctx); err != nil {
		return err
	}

	if a.queue, err = queue.New(ctx, db.RawDB(), a.logs.Logger("queue")); err != nil {
		return err
	}

	a.session = session.New(a.cfg.Session.JWTSecret)
	if err := a.attach(); err != nil {
		return err
	}

	if a.probe, err = probe.New(a.cfg.Probe.Mode); err != nil {
		return err
	}

	remotes := a.openRemotes(ctx, workTypes)

	for kind := range workTypes {
		a.order = append(a.order, kind)
	}
	slices.Sort(a.order)

	for _, kind := range a.order {
		cfg := tasksync.Config{
			WorkType: workTypes[kind],
			Cache:    cache.New(db, kind),
			Queue:    a.queue,
			Probe:    a.probe,
			Session:  a.session,
			Logger:   a.logs.Logger("tasksync:" + string(kind)),
		}
		if r, ok := remotes[kind]; ok {
			cfg.Remote = r
		}
		svc, err := tasksync.New(cfg)
		if err != nil {
			return fmt.Errorf("failed to create %s service: %w", kind, err)
		}
		a.services[kind] = svc
	}
	return nil
}

// attach applies the configured user, falling back to the session file.
func (a *app) attach() error {
	switch {
	case a.cfg.Session.UserID != "":
		return a.session.Attach(a.cfg.Session.UserID)
	case a.cfg.Session.Token != "":
		_, err := a.session.AttachToken(a.cfg.Session.Token)
		return err
	}

	f, err := session.ReadFile(a.cfg.Session.File)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	return a.session.Apply(f)
}

// explicitUser reports whether the configuration names the user, in which
// case the session file is not watched.
func (a *app) explicitUser() bool {
	return a.cfg.Session.UserID != "" || a.cfg.Session.Token != ""
}

// openRemotes opens the configured remote. Neither driver dials here, so
// an unreachable remote only makes calls fail and changes get queued. A
// remote that cannot be opened at all is reported and skipped.
func (a *app) openRemotes(ctx context.Context, workTypes map[model.Kind]model.WorkType) map[model.Kind]remote.Adapter {
	out := make(map[model.Kind]remote.Adapter, len(workTypes))
	if a.cfg.Remote.Driver == config.DriverNone {
		return out
	}

	switch a.cfg.Remote.Driver {
	case config.DriverPostgres:
		db, err := remote.OpenPostgres(a.cfg.Remote.DSN)
		if err != nil {
			a.errOut.Warn("remote unavailable, changes will be queued: %v", err)
			return out
		}
		a.closers = append(a.closers, db.Close)
		for kind, wt := range workTypes {
			out[kind] = remote.NewSQLStore(db, wt, a.logs.Logger("remote:"+string(kind)))
		}

	case config.DriverFirestore:
		client, err := remote.NewFirestoreClient(ctx, a.cfg.Remote.ProjectID, a.cfg.Remote.CredentialsFile)
		if err != nil {
			a.errOut.Warn("remote unavailable, changes will be queued: %v", err)
			return out
		}
		a.closers = append(a.closers, client.Close)
		for kind, wt := range workTypes {
			out[kind] = remote.NewFirestoreStore(client, wt, a.logs.Logger("remote:"+string(kind)))
		}
	}
	a.remoteUp = len(out) > 0
	return out
}

// service returns the service of a work type name.
func (a *app) service(kind string) (*tasksync.Service, error) {
	svc, ok := a.services[model.Kind(kind)]
	if !ok {
		return nil, fmt.Errorf("unknown work type %q (have %v)", kind, a.order)
	}
	return svc, nil
}

// all returns the services in work type order.
func (a *app) all() []*tasksync.Service {
	out := make([]*tasksync.Service, 0, len(a.order))
	for _, kind := range a.order {
		out = append(out, a.services[kind])
	}
	return out
}

// userID returns the attached user or an error telling how to attach.
func (a *app) userID() (string, error) {
	id, ok := a.session.UserID()
	if !ok {
		return "", fmt.Errorf("%w: run \"tasksync session attach <user-id>\" first", tasksync.ErrUnauthenticated)
	}
	return id, nil
}

// Close releases everything in reverse opening order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.errOut.Warn("%v", err)
		}
	}
	a.closers = nil
}
