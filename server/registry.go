package server

import (
	"context"
	"sync"
	"time"

	"github.com/Daskott/vigil/docstore"
	"github.com/Daskott/vigil/server/contacts"
	"github.com/Daskott/vigil/server/models"
	"github.com/Daskott/vigil/server/relations"
	"github.com/Daskott/vigil/server/watchdog"
)

// userRuntime bundles the per-user machinery: the sync engine, the ping
// protocol handler & the manual alert trigger layered on it
type userRuntime struct {
	engine *contacts.Engine
	pings  *contacts.PingHandler
	alert  *contacts.AlertTrigger
}

// userRegistry lazily builds one runtime per authenticated user and keeps
// it for the life of the process, so engine watches stay subscribed & the
// watchdog can retry each engine's reconciliation gaps
type userRegistry struct {
	mu       sync.Mutex
	runtimes map[string]*userRuntime

	ctx       context.Context
	store     docstore.Store
	relations *relations.Service
	notifier  contacts.Notifier
	watchdog  *watchdog.Watchdog
}

func newUserRegistry(ctx context.Context, store docstore.Store, relationService *relations.Service,
	alertNotifier contacts.Notifier, wd *watchdog.Watchdog) *userRegistry {
	return &userRegistry{
		runtimes:  make(map[string]*userRuntime),
		ctx:       ctx,
		store:     store,
		relations: relationService,
		notifier:  alertNotifier,
		watchdog:  wd,
	}
}

func (reg *userRegistry) runtimeFor(ctx context.Context, userID string) (*userRuntime, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if runtime, ok := reg.runtimes[userID]; ok {
		return runtime, nil
	}

	engine := contacts.NewEngine(userID, reg.store, reg.relations, models.NewContactStore(time.Now), time.Now)

	// A missing user surfaces here as not_found
	if _, err := engine.LoadContacts(ctx); err != nil {
		return nil, err
	}

	if err := engine.Watch(reg.ctx); err != nil {
		return nil, err
	}

	if reg.watchdog != nil {
		reg.watchdog.RegisterGapRetrier(engine)
	}

	alert := contacts.NewAlertTrigger(userID, reg.store, reg.relations, reg.notifier, time.Now)
	if err := alert.Hydrate(ctx); err != nil {
		return nil, err
	}

	runtime := &userRuntime{
		engine: engine,
		pings:  contacts.NewPingHandler(engine),
		alert:  alert,
	}
	reg.runtimes[userID] = runtime

	return runtime, nil
}
