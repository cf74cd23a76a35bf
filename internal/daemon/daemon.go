package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/diskwarden/internal/config"
	"git.home.luguber.info/inful/diskwarden/internal/events"
	"git.home.luguber.info/inful/diskwarden/internal/lifecycle"
	"git.home.luguber.info/inful/diskwarden/internal/logfields"
	"git.home.luguber.info/inful/diskwarden/internal/metrics"
	"git.home.luguber.info/inful/diskwarden/internal/optracker"
	"git.home.luguber.info/inful/diskwarden/internal/registry"
	"git.home.luguber.info/inful/diskwarden/internal/retry"
	"git.home.luguber.info/inful/diskwarden/internal/store"
	"git.home.luguber.info/inful/diskwarden/internal/topology"
)

// Status represents the current state of the daemon.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
)

// Daemon is the per-host disk lifecycle manager. One daemon runs per storage
// host; coordination between hosts happens entirely through the shared
// state database.
type Daemon struct {
	config         *config.Config
	configFilePath string
	status         atomic.Value // Status
	startTime      time.Time
	stopChan       chan struct{}
	stopOnce       sync.Once
	mu             sync.RWMutex // guards the reloadable part of config

	st           *store.Store
	registry     *registry.Registry
	catalog      *topology.Catalog
	machine      *lifecycle.Machine
	tracker      *optracker.Tracker
	recorder     metrics.Recorder
	promRegistry *prom.Registry
	publisher    events.Publisher

	scheduler     *Scheduler
	configWatcher *ConfigWatcher
	httpServer    *HTTPServer
	requests      *RequestQueue

	entryID int64
	detail  *topology.StorageDetail
}

// New assembles a daemon from configuration. Nothing touches the database
// until Run.
func New(cfg *config.Config, configFilePath string) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}

	d := &Daemon{
		config:         cfg,
		configFilePath: configFilePath,
		stopChan:       make(chan struct{}),
		requests:       NewRequestQueue(64),
		recorder:       metrics.NoopRecorder{},
		publisher:      events.NoopPublisher{},
	}
	d.status.Store(StatusStopped)

	if cfg.Metrics.Enabled {
		d.promRegistry = prom.NewRegistry()
		d.recorder = metrics.NewPrometheusRecorder(d.promRegistry)
	}
	return d, nil
}

// Requests returns the queue callers use to hand maintenance work to the
// daemon.
func (d *Daemon) Requests() *RequestQueue { return d.requests }

// Status returns the current daemon status.
func (d *Daemon) Status() Status { return d.status.Load().(Status) }

// EntryID returns the registry entry of this run; zero before Run.
func (d *Daemon) EntryID() int64 { return d.entryID }

// Run executes the daemon until the context is cancelled or Stop is called.
func (d *Daemon) Run(ctx context.Context) error {
	d.status.Store(StatusStarting)
	d.startTime = time.Now()

	st, err := store.Open(d.config.Database.Path)
	if err != nil {
		return fmt.Errorf("open state database: %w", err)
	}
	d.st = st
	defer st.Close()

	d.registry = registry.New(st)
	d.catalog = topology.New(st)
	d.machine = lifecycle.NewMachine(st)

	if d.config.Events.Enabled {
		var pub *events.NATSPublisher
		err := retry.DefaultPolicy().Do(ctx, func() error {
			var cerr error
			pub, cerr = events.NewNATSPublisher(ctx, events.NATSConfig{
				URL:           d.config.Events.URL,
				Stream:        d.config.Events.Stream,
				SubjectPrefix: d.config.Events.SubjectPrefix,
			})
			return cerr
		})
		if err != nil {
			return fmt.Errorf("connect event stream: %w", err)
		}
		d.publisher = pub
		defer pub.Close()
	}
	d.tracker = optracker.New(st, d.machine, d.publisher, d.recorder)

	detail, err := d.catalog.EnsureHost(ctx, d.config.HostInfo())
	if err != nil {
		return fmt.Errorf("register host topology: %w", err)
	}
	d.detail = detail

	inst, err := d.registry.Register(ctx, localIP(), os.Getpid())
	if err != nil {
		return fmt.Errorf("register daemon instance: %w", err)
	}
	d.entryID = inst.EntryID
	slog.Info("daemon registered",
		logfields.EntryID(inst.EntryID),
		logfields.Host(inst.IP),
		logfields.PID(inst.PID),
		logfields.Region(d.config.Host.Region),
		logfields.Backend(d.config.Host.Backend))

	if err := d.recoverAbandonedOperations(ctx); err != nil {
		return fmt.Errorf("recover abandoned operations: %w", err)
	}

	sched, err := NewScheduler(d)
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	d.scheduler = sched
	if err := sched.ScheduleMaintenanceJobs(d.config.Daemon); err != nil {
		return err
	}
	sched.Start()
	defer func() {
		if err := sched.Stop(); err != nil {
			slog.Warn("scheduler shutdown", logfields.Error(err))
		}
	}()

	if d.config.Metrics.Enabled {
		d.httpServer = NewHTTPServer(d.config.Metrics.ListenAddr, d)
		if err := d.httpServer.Start(); err != nil {
			return fmt.Errorf("start metrics endpoint: %w", err)
		}
		defer d.httpServer.Stop(context.Background())
	}

	if d.configFilePath != "" {
		watcher, err := NewConfigWatcher(d.configFilePath, d)
		if err != nil {
			slog.Warn("config watcher unavailable", logfields.Error(err))
		} else {
			d.configWatcher = watcher
			if err := watcher.Start(ctx); err != nil {
				slog.Warn("config watcher start failed", logfields.Error(err))
			} else {
				defer watcher.Stop()
			}
		}
	}

	d.status.Store(StatusRunning)
	slog.Info("daemon running", logfields.Host(d.config.Host.Hostname))

	err = d.requestLoop(ctx)

	d.status.Store(StatusStopping)
	if terr := d.registry.MarkTerminated(context.Background(), d.entryID); terr != nil {
		slog.Warn("terminate registry entry", logfields.Error(terr))
	}
	d.status.Store(StatusStopped)
	slog.Info("daemon stopped", logfields.EntryID(d.entryID))
	return err
}

// Stop requests a graceful shutdown. Safe to call more than once.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() { close(d.stopChan) })
}

// requestLoop consumes maintenance requests until shutdown.
func (d *Daemon) requestLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.stopChan:
			return nil
		case req := <-d.requests.Requests():
			if err := d.execute(ctx, req); err != nil {
				slog.Error("request failed",
					slog.String("kind", string(req.Kind)),
					logfields.Device(req.DeviceName),
					logfields.Error(err))
			}
		}
	}
}

// heartbeat refreshes this instance's registry row and the snapshots of the
// operations it currently owns.
func (d *Daemon) heartbeat(ctx context.Context) {
	now := time.Now().UTC()
	status := registry.StatusIdle
	if d.requests.Len() > 0 {
		status = registry.StatusBusy
	}
	if err := d.registry.Heartbeat(ctx, d.entryID, status, now); err != nil {
		slog.Warn("registry heartbeat failed", logfields.EntryID(d.entryID), logfields.Error(err))
	}

	open, err := d.tracker.OpenOperations(ctx, d.entryID)
	if err != nil {
		slog.Warn("open operation scan failed", logfields.Error(err))
		return
	}
	for _, op := range open {
		if err := d.tracker.Heartbeat(ctx, op.Operation.OperationID, now); err != nil {
			slog.Warn("operation heartbeat failed",
				logfields.OperationID(op.Operation.OperationID), logfields.Error(err))
		}
	}
}

func (d *Daemon) livenessThreshold() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config.Daemon.LivenessThreshold.Duration
}

func (d *Daemon) stallThreshold() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config.Daemon.StallThreshold.Duration
}

// sweepStale terminates registry entries whose snapshot age exceeds the
// liveness threshold and refreshes the liveness gauge.
func (d *Daemon) sweepStale(ctx context.Context) {
	n, err := d.registry.SweepStale(ctx, d.livenessThreshold())
	if err != nil {
		slog.Warn("liveness sweep failed", logfields.Error(err))
		return
	}
	if n > 0 {
		d.recorder.IncInstancesSwept(int(n))
		slog.Info("stale instances terminated", slog.Int64("count", n))
	}
	active, err := d.registry.ListActive(ctx)
	if err != nil {
		return
	}
	live := 0
	for _, inst := range active {
		if time.Since(inst.SnapshotTime) <= d.livenessThreshold() {
			live++
		}
	}
	d.recorder.SetLiveInstances(live)
}

// detectStalls raises operator-visible alerts for open operations whose
// snapshot has gone quiet. Stalled operations are never auto-cancelled.
func (d *Daemon) detectStalls(ctx context.Context) {
	stalled, err := d.tracker.StalledOperations(ctx, d.stallThreshold())
	if err != nil {
		slog.Warn("stall scan failed", logfields.Error(err))
		return
	}
	d.recorder.SetStalledOperations(len(stalled))
	for _, op := range stalled {
		hostname, err := d.catalog.HostnameForDevice(ctx, op.DeviceID)
		if err != nil {
			hostname = "unknown"
		}
		slog.Warn("operation stalled",
			logfields.OperationID(op.OperationID),
			logfields.DeviceID(op.DeviceID),
			logfields.EntryID(op.EntryID),
			logfields.Host(hostname),
			logfields.DurationMS(float64(time.Since(op.SnapshotTime).Milliseconds())))
	}

	n, err := d.tracker.CountOpen(ctx)
	if err == nil {
		d.recorder.SetOpenOperations(n)
	}
}

// localIP picks the outward-facing address of this host, falling back to
// loopback when the host is isolated.
func localIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "127.0.0.1"
	}
	return addr.IP.String()
}
