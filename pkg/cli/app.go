package cli

import (
	"context"
	"time"

	"github.com/m-mizutani/carebot/pkg/interfaces"
	"github.com/m-mizutani/carebot/pkg/metrics"
	"github.com/m-mizutani/carebot/pkg/repository"
	"github.com/m-mizutani/carebot/pkg/service/clinic"
	"github.com/m-mizutani/carebot/pkg/usecase/assembler"
	"github.com/m-mizutani/carebot/pkg/usecase/identity"
	"github.com/m-mizutani/carebot/pkg/usecase/memory"
	"github.com/m-mizutani/carebot/pkg/usecase/router"
	"github.com/m-mizutani/carebot/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
	"github.com/prometheus/client_golang/prometheus"
)

const summaryRefreshTimeout = time.Minute

// app is the wired set of use cases shared by the commands.
type app struct {
	gateway  interfaces.LLMGateway
	db       *repository.SQLite
	store    *memory.Store
	domain   *clinic.Service
	resolver *identity.Resolver
	router   *router.Router
	registry *prometheus.Registry

	closers closers
}

type appOption struct {
	asyncSummary bool
}

// newApp opens every backend and wires the router. The caller must call
// close even when an error is returned.
func (cfg *config) newApp(ctx context.Context, opt appOption) (*app, error) {
	a := &app{registry: prometheus.NewRegistry()}
	m := metrics.New(a.registry)

	gw, err := cfg.newGateway(ctx, &a.closers)
	if err != nil {
		return a, err
	}
	a.gateway = gw

	repo, err := cfg.newMemoryRepository(ctx, &a.closers)
	if err != nil {
		return a, err
	}
	a.store = memory.New(repo)
	if err := a.store.Load(ctx); err != nil {
		return a, goerr.Wrap(err, "failed to load memories")
	}

	if a.db, err = cfg.newSQLite(&a.closers); err != nil {
		return a, err
	}
	if a.domain, err = cfg.newDomain(); err != nil {
		return a, err
	}

	eval, err := cfg.newPolicy(ctx)
	if err != nil {
		return a, err
	}
	audit, err := cfg.newAudit(ctx, &a.closers)
	if err != nil {
		return a, err
	}

	a.resolver = identity.New(a.db, identity.WithMetrics(m))
	asm := assembler.New(gw, a.store, a.db, a.db, assembler.WithMetrics(m))

	var refresher assembler.SummaryRefresher = asm
	if opt.asyncSummary {
		async := assembler.NewAsyncRefresher(asm, summaryRefreshTimeout)
		a.closers.add(async.Close)
		refresher = async
	}

	a.router = router.New(router.Deps{
		Resolver:  a.resolver,
		Assembler: asm,
		Gateway:   gw,
		Sessions:  a.db,
		Recorder:  memory.NewRecorder(a.store, gw, memory.WithRecorderMetrics(m)),
		Refresher: refresher,
		Policy:    eval,
		Domain:    a.domain,
		Audit:     audit,
		Metrics:   m,
	})

	logging.From(ctx).Debug("app ready",
		"llm", cfg.llmProvider,
		"memory", cfg.memoryBackend,
		"owners", len(a.store.Owners()),
	)
	return a, nil
}

func (a *app) close() {
	a.closers.run()
}

// withStore opens only the memory store, for maintenance commands that
// need no model.
func (cfg *config) withStore(ctx context.Context, fn func(*memory.Store) error) error {
	var cl closers
	defer cl.run()

	repo, err := cfg.newMemoryRepository(ctx, &cl)
	if err != nil {
		return err
	}
	store := memory.New(repo)
	if err := store.Load(ctx); err != nil {
		return goerr.Wrap(err, "failed to load memories")
	}
	return fn(store)
}
