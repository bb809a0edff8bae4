// Package engine assembles the PipelineManager, WorkersPool, and
// Controller into a single owned struct: Engine is constructed once by
// cmd/fluxiond and holds every piece of mutable process state, so there
// are no package-level singletons anywhere in the process.
package engine

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/fluxion/certs"
	"github.com/zsiec/fluxion/internal/config"
	"github.com/zsiec/fluxion/internal/control"
	"github.com/zsiec/fluxion/internal/filter"
	"github.com/zsiec/fluxion/internal/frame"
	"github.com/zsiec/fluxion/internal/graph"
	"github.com/zsiec/fluxion/internal/queue"
	"github.com/zsiec/fluxion/internal/worker"
)

// Engine owns the manager, the pool, and the control-socket HTTP server
// for one running process.
type Engine struct {
	log  *slog.Logger
	cfg  *config.Config
	mgr  *graph.Manager
	pool *worker.Pool
	ctrl *control.Controller
	srv  *http.Server
	cert *certs.CertInfo

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Cert exposes the control socket's generated certificate, mainly so
// callers can log or display its fingerprint.
func (e *Engine) Cert() *certs.CertInfo { return e.cert }

// New constructs an Engine from cfg, registering factories for every
// filter.Kind the control plane's createFilter action can name. Builders
// maps each Kind to the constructor the graph should call on
// createFilter; every filter created that way is also registered with the
// WorkersPool by ProcessEvent. A fresh self-signed certificate backs
// the control socket's TLS listener.
func New(cfg *config.Config, builders map[filter.Kind]graph.FilterFactory, log *slog.Logger) (*Engine, error) {
	if log == nil {
		log = slog.Default()
	}

	pool := worker.New(worker.Config{Size: cfg.Worker.PoolSize, Log: log})

	gcfg, err := graphConfig(cfg, log)
	if err != nil {
		return nil, err
	}
	// Any filter the manager deletes — explicit removeFilter or a
	// removePath cascade — leaves the schedule in the same step, so the
	// pool and the graph never drift apart.
	gcfg.OnFilterDeleted = pool.Remove
	mgr := graph.NewManager(gcfg)
	for kind, build := range builders {
		mgr.RegisterFactory(kind, build)
	}

	cert, err := certs.Generate(certs.Config{
		CommonName: "fluxion-control",
		Hosts:      cfg.Control.CertHosts,
		Validity:   time.Duration(cfg.Control.CertLifetimeHours) * time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: generate control-socket certificate: %w", err)
	}
	log.Info("control-socket certificate generated",
		"fingerprint", cert.FingerprintBase64(), "expires", cert.NotAfter)

	e := &Engine{log: log.With("component", "engine"), cfg: cfg, mgr: mgr, pool: pool, cert: cert, stopCh: make(chan struct{})}
	e.ctrl = control.New(dispatcherFunc(e.ProcessEvent), log)

	mux := http.NewServeMux()
	e.ctrl.RegisterRoutes(mux, "/control")
	e.srv = &http.Server{
		Addr:      cfg.Control.Addr,
		Handler:   mux,
		TLSConfig: &tls.Config{Certificates: []tls.Certificate{cert.TLSCert}},
	}

	return e, nil
}

// dispatcherFunc adapts a plain function to control.Dispatcher.
type dispatcherFunc func(filter.Event) control.Reply

func (f dispatcherFunc) ProcessEvent(e filter.Event) control.Reply { return f(e) }

// ProcessEvent routes a decoded control-plane event to the manager,
// additionally registering or deregistering the affected filter with the
// WorkersPool around createFilter/removeFilter so the pool and the graph
// never drift apart.
func (e *Engine) ProcessEvent(ev filter.Event) control.Reply {
	// Quiesce a path's filters before the removal touches them: each is
	// held out of the ready set and any in-flight invocation completes
	// first. Survivors resume once the manager is done; cascade-deleted
	// filters were already detached via OnFilterDeleted, making their
	// Resume a no-op.
	var suspended []int
	if ev.TargetFilterID == filter.ManagerTarget && ev.Action == "removePath" {
		if id, ok := intParam(ev.Params, "id"); ok {
			if p, ok := e.mgr.GetPath(id); ok {
				suspended = p.FilterIDs()
				for _, fid := range suspended {
					e.pool.Quiesce(fid)
				}
			}
		}
	}

	rep := e.mgr.ProcessEvent(ev)

	for _, fid := range suspended {
		e.pool.Resume(fid)
	}

	if ev.TargetFilterID == filter.ManagerTarget && rep.Error == "" {
		switch ev.Action {
		case "createFilter":
			if id, ok := intParam(ev.Params, "id"); ok {
				if f, ok := e.mgr.GetFilter(id); ok {
					e.pool.Add(f)
				}
			}
		case "stop":
			e.Shutdown()
		}
	}

	return control.Reply{Error: rep.Error, Payload: rep.Payload}
}

// Shutdown makes Run return: the pool refuses new invocations once its
// workers drain, and the control listener closes. Paths and filters were
// already torn down by the manager's own stop handling when the shutdown
// came from the control plane.
func (e *Engine) Shutdown() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// AddGroup registers a master/slave group as one scheduled unit,
// replacing whatever registration the master received as a plain filter
// when it was created: groups are scheduled as a whole.
func (e *Engine) AddGroup(g *filter.Group) {
	e.pool.Remove(g.MasterID())
	e.pool.Add(worker.NewGroupUnit(g))
}

// Manager exposes the underlying PipelineManager for callers that need
// direct access (tests, cmd/fluxiond's initial topology wiring).
func (e *Engine) Manager() *graph.Manager { return e.mgr }

// Pool exposes the underlying WorkersPool.
func (e *Engine) Pool() *worker.Pool { return e.pool }

// Run starts the WorkersPool and the control-socket listener, returning
// when ctx is cancelled or a stop event arrives and both have shut down.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-e.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.pool.Run(gctx)
	})

	g.Go(func() error {
		errCh := make(chan error, 1)
		go func() { errCh <- e.srv.ListenAndServeTLS("", "") }()
		select {
		case <-gctx.Done():
			return e.srv.Shutdown(context.Background())
		case err := <-errCh:
			if err == http.ErrServerClosed {
				return nil
			}
			return err
		}
	})

	return g.Wait()
}

func intParam(params map[string]any, key string) (int, bool) {
	v, ok := params[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// graphConfig translates the flat YAML config into graph.Config, mapping
// string drop-policy names and per-kind queue overrides to their typed
// graph/queue counterparts. This conversion lives in the engine, not
// internal/config, so the config package stays free of internal-package
// imports.
func graphConfig(cfg *config.Config, log *slog.Logger) (graph.Config, error) {
	def, err := toQueueConfig(cfg.Queues.Default)
	if err != nil {
		return graph.Config{}, err
	}

	byKind := make(map[frame.Kind]graph.QueueConfig)
	if cfg.Queues.Video != nil {
		qc, err := toQueueConfig(*cfg.Queues.Video)
		if err != nil {
			return graph.Config{}, err
		}
		byKind[frame.KindVideo] = qc
	}
	if cfg.Queues.Audio != nil {
		qc, err := toQueueConfig(*cfg.Queues.Audio)
		if err != nil {
			return graph.Config{}, err
		}
		byKind[frame.KindAudio] = qc
	}

	var slaveOverride *graph.QueueConfig
	if cfg.Queues.SlaveOverride != nil {
		qc, err := toQueueConfig(*cfg.Queues.SlaveOverride)
		if err != nil {
			return graph.Config{}, err
		}
		slaveOverride = &qc
	}

	return graph.Config{
		Log:           log,
		DefaultQueue:  def,
		QueueByKind:   byKind,
		SlaveOverride: slaveOverride,
	}, nil
}

func toQueueConfig(qc config.QueueConfig) (graph.QueueConfig, error) {
	var policy queue.DropPolicy
	switch qc.DropPolicy {
	case "producer_skip", "":
		policy = queue.DropProducerSkip
	case "oldest_overwrite":
		policy = queue.DropOldestOverwrite
	default:
		return graph.QueueConfig{}, fmt.Errorf("engine: unknown drop policy %q", qc.DropPolicy)
	}
	return graph.QueueConfig{
		Capacity:      qc.Capacity,
		FrameCapacity: qc.FrameCapacity,
		DropPolicy:    policy,
	}, nil
}
