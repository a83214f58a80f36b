// Package orchestrator implements the Top-Level Orchestrator (C12):
// it turns a decoded configuration document into a running set of
// ingress/egress flows, waits for every flow to signal readiness, and
// tears everything down — netfilter chains included — on the first
// fatal error or external cancellation. Grounded on
// internal/transport/transport.go's Serve(ctx, lis ...Listener) and
// cmd/server.go's Server.Run, generalized so Listener is satisfied by
// ingress.Flow/egress.Flow instead of HTTP/tunnel servers.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tng-project/tng/internal/config"
	"github.com/tng-project/tng/internal/controlinterface"
	"github.com/tng-project/tng/internal/metrics"
	"github.com/tng-project/tng/internal/netfilter"
	"github.com/tng-project/tng/internal/runtime"
	"github.com/tng-project/tng/internal/transport"
)

// flow is what the orchestrator needs from every ingress or egress
// flow; both packages' Flow interfaces already satisfy it.
type flow interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Ready() <-chan struct{}
}

// closer is anything the orchestrator must release on shutdown
// (Attestation Agent client connections, Attestation Service gRPC
// connections) whose lifetime exceeds any single flow.
type closer interface {
	Close() error
}

// Orchestrator owns every flow built from one configuration document
// plus the shared supervised Runtime, metrics Registry, and any
// installed netfilter guards.
type Orchestrator struct {
	Runtime *runtime.Runtime
	Metrics *metrics.Registry
	Logger  *slog.Logger

	flows        []flow
	closers      []closer
	controlIface *controlinterface.Server

	guardsMu sync.Mutex
	guards   []*netfilter.Guard

	live  atomic.Bool
	ready atomic.Bool
}

// FromConfig builds an Orchestrator from a decoded configuration
// document: one flow per add_ingress/add_egress entry. The
// netfilter.Guard of a netfilter-mode ingress entry is not installed
// here but by a background task once that flow's listener is bound
// under ServeWithReady; egress entries install none. On any
// construction error, everything already built is torn down before
// the error is returned.
func FromConfig(ctx context.Context, doc *config.Document, logger *slog.Logger) (_ *Orchestrator, err error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := doc.Validate(); err != nil {
		return nil, err
	}

	reg, err := metrics.NewRegistry()
	if err != nil {
		return nil, fmt.Errorf("orchestrator: metrics: %w", err)
	}

	o := &Orchestrator{
		Runtime: runtime.New(ctx, logger),
		Metrics: reg,
		Logger:  logger,
	}

	if doc.Metric != nil {
		for _, e := range doc.Metric.Exporters {
			logger.Warn("orchestrator: metric exporter ignored", "type", e.Type)
		}
	}

	defer func() {
		if err != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGraceOnFailure)
			defer cancel()
			o.teardown(shutdownCtx)
		}
	}()

	for i, entry := range doc.AddIngress {
		f, err := o.buildIngress(ctx, i, entry)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: add_ingress[%d]: %w", i, err)
		}
		o.flows = append(o.flows, f)
	}

	for i, entry := range doc.AddEgress {
		f, err := o.buildEgress(ctx, i, entry)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: add_egress[%d]: %w", i, err)
		}
		o.flows = append(o.flows, f)
	}

	if ci := doc.ControlInterface; ci != nil && ci.Restful != nil {
		addr := fmt.Sprintf("%s:%d", ci.Restful.Host, ci.Restful.Port)
		srv, err := controlinterface.New(addr, o, o.Metrics.Handler(), logger)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: control_interface: %w", err)
		}
		o.controlIface = srv
	}

	return o, nil
}

// ServeWithReady starts every flow, signals the registry's readiness
// gauge once every flow has bound its listener, and blocks until ctx
// is cancelled or any flow returns a fatal error — at which point
// every other flow is stopped and every netfilter guard revoked.
// readySignal, if non-nil, is closed the moment all flows are ready
// (mirroring spec.md §2's serve_with_ready(ready_sender) contract).
func (o *Orchestrator) ServeWithReady(ctx context.Context, readySignal chan<- struct{}) error {
	o.Metrics.SetLive(ctx)
	o.live.Store(true)
	defer o.live.Store(false)

	listeners := make([]transport.Listener, len(o.flows))
	for i, f := range o.flows {
		listeners[i] = f
	}
	if o.controlIface != nil {
		listeners = append(listeners, o.controlIface)
	}

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return transport.Serve(egCtx, listeners...)
	})

	eg.Go(func() error {
		if err := o.awaitAllReady(egCtx); err != nil {
			return nil // context cancelled before every flow came up; not a fatal flow error
		}
		o.Metrics.SetReady(egCtx)
		o.ready.Store(true)
		if readySignal != nil {
			close(readySignal)
		}
		return nil
	})

	eg.Go(func() error {
		<-egCtx.Done()
		o.ready.Store(false)

		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		o.teardownExtras(stopCtx)
		return nil
	})

	return eg.Wait()
}

// Live reports whether ServeWithReady is currently running.
func (o *Orchestrator) Live() bool { return o.live.Load() }

// Ready reports whether every flow has bound its listener.
func (o *Orchestrator) Ready() bool { return o.ready.Load() }

// addGuard registers an installed netfilter guard so teardown revokes
// it. Netfilter installation happens asynchronously (after a flow's
// listener binds, to learn its auto-assigned port), concurrently with
// other flows' installs and a possible concurrent teardown, hence the
// mutex.
func (o *Orchestrator) addGuard(g *netfilter.Guard) {
	o.guardsMu.Lock()
	defer o.guardsMu.Unlock()
	o.guards = append(o.guards, g)
}

func (o *Orchestrator) awaitAllReady(ctx context.Context) error {
	for _, f := range o.flows {
		select {
		case <-f.Ready():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// teardown stops every flow directly and releases every other
// resource. Used only when FromConfig itself fails partway through
// construction, before transport.Serve ever ran (so nothing else has
// stopped the flows that did get built). Errors are logged, not
// returned: the process is exiting regardless (spec.md §4.10's drop
// path).
func (o *Orchestrator) teardown(ctx context.Context) {
	for _, f := range o.flows {
		if err := f.Stop(ctx); err != nil {
			o.Logger.Warn("orchestrator: flow stop failed", "error", err)
		}
	}
	if o.controlIface != nil {
		if err := o.controlIface.Stop(ctx); err != nil {
			o.Logger.Warn("orchestrator: control interface stop failed", "error", err)
		}
	}
	o.teardownExtras(ctx)
}

// teardownExtras releases everything transport.Serve doesn't already
// know about: installed netfilter guards, long-lived RPC clients, the
// metrics provider, and the supervised Runtime. Called from
// ServeWithReady once its context is done, concurrently with
// transport.Serve stopping every flow itself.
func (o *Orchestrator) teardownExtras(ctx context.Context) {
	o.guardsMu.Lock()
	guards := o.guards
	o.guardsMu.Unlock()
	for _, g := range guards {
		if err := g.Close(ctx); err != nil {
			o.Logger.Warn("orchestrator: netfilter guard close failed", "error", err)
		}
	}
	for _, c := range o.closers {
		if err := c.Close(); err != nil {
			o.Logger.Warn("orchestrator: client close failed", "error", err)
		}
	}
	if err := o.Metrics.Shutdown(ctx); err != nil {
		o.Logger.Warn("orchestrator: metrics shutdown failed", "error", err)
	}
	if err := o.Runtime.Close(); err != nil {
		o.Logger.Warn("orchestrator: runtime close failed", "error", err)
	}
}

const (
	shutdownGrace          = 15 * time.Second
	shutdownGraceOnFailure = 5 * time.Second
)
