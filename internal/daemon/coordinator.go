package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mschirtzinger/tasksync/internal/model"
	"github.com/mschirtzinger/tasksync/internal/probe"
	"github.com/mschirtzinger/tasksync/internal/session"
	"github.com/mschirtzinger/tasksync/internal/tasksync"
)

// Service is the part of a synchronization service the coordinator drives.
type Service interface {
	WorkType() model.WorkType
	Load(ctx context.Context, bucket string) (tasksync.State, error)
	Reset()
}

// Session is a user provider that reports attach and detach events.
type Session interface {
	session.Provider
	Subscribe() (<-chan session.Event, func())
}

// Config holds configuration for the coordinator.
type Config struct {
	// RefreshInterval is how often today's bucket is reloaded while a user
	// is attached. Zero disables periodic refresh.
	RefreshInterval time.Duration

	// ProbeInterval is how often reachability is sampled to detect the
	// unreachable to reachable transition.
	ProbeInterval time.Duration

	// Logger for coordinator activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RefreshInterval: 5 * time.Minute,
		ProbeInterval:   2 * time.Second,
		Logger:          log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Coordinator keeps the services' published state in step with the session
// and the network.
type Coordinator struct {
	services []Service
	session  Session
	probe    probe.Probe
	config   *Config

	reloads sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
}

// New creates a coordinator with the default configuration.
//
// The coordinator requires:
//   - sess: the session whose attach and detach events drive loads and resets
//   - services: one synchronization service per work type
//
// A nil probe counts as always reachable, so only session events and the
// refresh interval trigger loads.
func New(sess Session, p probe.Probe, services ...Service) (*Coordinator, error) {
	return NewWithConfig(sess, p, DefaultConfig(), services...)
}

// NewWithConfig creates a coordinator with custom configuration.
func NewWithConfig(sess Session, p probe.Probe, config *Config, services ...Service) (*Coordinator, error) {
	if sess == nil {
		return nil, fmt.Errorf("session cannot be nil")
	}
	if len(services) == 0 {
		return nil, fmt.Errorf("at least one service is required")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = DefaultConfig().ProbeInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		services: services,
		session:  sess,
		probe:    p,
		config:   config,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start begins coordinating.
//
// The coordinator will:
//  1. Load today's bucket of every service if a user is attached
//  2. Load on attach and reset on detach
//  3. Reload when the network comes back
//  4. Reload periodically while attached
//
// This blocks until ctx is cancelled or Stop is called.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("coordinator already started")
	}
	c.started = true
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	workers := 2
	if c.config.RefreshInterval > 0 {
		workers++
	}
	c.wg.Add(workers)
	c.mu.Unlock()

	c.config.Logger.Printf("Starting coordinator for %d work type(s)", len(c.services))

	// Subscribe before the initial load so no attach is missed.
	events, unsubscribe := c.session.Subscribe()
	reachable := c.reachable()
	if _, ok := c.session.UserID(); ok {
		if err := c.Reload(c.ctx); err != nil {
			c.config.Logger.Printf("Initial load failed: %v", err)
		}
	}

	go c.watchSession(events, unsubscribe)
	go c.watchProbe(reachable)
	if workers > 2 {
		go c.refresh()
	}

	select {
	case <-ctx.Done():
		c.config.Logger.Println("Shutdown signal received")
		return c.Stop()
	case <-c.ctx.Done():
		return nil
	}
}

// Stop shuts the coordinator down and waits for its goroutines.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.mu.Unlock()

	c.config.Logger.Println("Stopping coordinator")
	c.cancel()
	c.wg.Wait()
	c.config.Logger.Println("Coordinator stopped")
	return nil
}

// Reload loads today's bucket of every service concurrently. It is a no-op
// without an attached user.
func (c *Coordinator) Reload(ctx context.Context) error {
	if _, ok := c.session.UserID(); !ok {
		return nil
	}

	// Overlapping triggers collapse into sequential reloads.
	c.reloads.Lock()
	defer c.reloads.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, svc := range c.services {
		g.Go(func() error {
			st, err := svc.Load(gctx, "")
			if err != nil {
				return fmt.Errorf("failed to load %s: %w", svc.WorkType().Kind, err)
			}
			if st.Error != "" {
				c.config.Logger.Printf("Loaded %s with error: %s", svc.WorkType().Kind, st.Error)
			}
			return nil
		})
	}
	return g.Wait()
}

func (c *Coordinator) resetAll() {
	for _, svc := range c.services {
		svc.Reset()
	}
}

// watchSession loads on attach and resets on detach.
func (c *Coordinator) watchSession(events <-chan session.Event, unsubscribe func()) {
	defer c.wg.Done()
	defer unsubscribe()

	for {
		select {
		case <-c.ctx.Done():
			return

		case ev := <-events:
			if !ev.Attached {
				c.config.Logger.Printf("Session detached (%s), resetting", ev.UserID)
				c.resetAll()
				continue
			}
			c.config.Logger.Printf("Session attached (%s), loading", ev.UserID)
			// Another user may have been attached before; drop its state.
			c.resetAll()
			if err := c.Reload(c.ctx); err != nil {
				c.config.Logger.Printf("Error loading after attach: %v", err)
			}
		}
	}
}

// watchProbe reloads on the unreachable to reachable transition.
func (c *Coordinator) watchProbe(last bool) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return

		case <-ticker.C:
			now := c.reachable()
			if now == last {
				continue
			}
			last = now
			if !now {
				c.config.Logger.Println("Network unreachable, mutations will be queued")
				continue
			}
			c.config.Logger.Println("Network reachable again, reloading")
			if err := c.Reload(c.ctx); err != nil {
				c.config.Logger.Printf("Error reloading after reconnect: %v", err)
			}
		}
	}
}

func (c *Coordinator) reachable() bool {
	return c.probe == nil || c.probe.IsLikelyReachable()
}

// refresh periodically reloads today's bucket, which also rolls the
// services over to a new day.
func (c *Coordinator) refresh() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return

		case <-ticker.C:
			if err := c.Reload(c.ctx); err != nil {
				c.config.Logger.Printf("Error refreshing: %v", err)
			}
		}
	}
}
