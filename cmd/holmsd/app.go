package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/matthias-trip/holms-sub001/internal/bus"
	"github.com/matthias-trip/holms-sub001/internal/config"
	"github.com/matthias-trip/holms-sub001/internal/metrics"
	"github.com/matthias-trip/holms-sub001/internal/reflex"
	"github.com/matthias-trip/holms-sub001/internal/registry"
	"github.com/matthias-trip/holms-sub001/internal/secretstore"
	"github.com/matthias-trip/holms-sub001/internal/spaceregistry"
	"github.com/matthias-trip/holms-sub001/internal/store"
	"github.com/matthias-trip/holms-sub001/internal/supervisor"
	"github.com/matthias-trip/holms-sub001/internal/triage"
	"github.com/matthias-trip/holms-sub001/internal/wire"
)

// app bundles every component the daemon wires together, and is also
// what the operator CLI subcommands (adapters list/restart/logs/...)
// reach into once a cobra command needs a live substrate to act on.
type app struct {
	cfg config.Config

	db        *store.Store
	secrets   *secretstore.Store
	manifests *registry.Registry
	spaces    *spaceregistry.Registry
	sup       *supervisor.Supervisor
	triage    *triage.Classifier
	reflex    *reflex.Matcher
	bus       *bus.Hub
	metrics   *metrics.Collectors
	status    *metrics.Server

	typesMu sync.RWMutex
	types   map[string]string // adapterID -> adapterType, for metrics labels

	stopTicker   func()
	stopCfgWatch func()
	stopReload   func()
}

func newApp(cfg config.Config) (*app, error) {
	db, err := store.Open(cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("holmsd: open store: %w", err)
	}

	secrets, err := secretstore.Open(cfg.DataDir, db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("holmsd: open secret store: %w", err)
	}

	manifests, err := registry.New(cfg.AdapterPackageDirs...)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("holmsd: scan adapter packages: %w", err)
	}

	spaces, sources, properties, err := db.LoadSpaceModel()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("holmsd: load space model: %w", err)
	}
	spaceReg := spaceregistry.Load(spaces, sources, properties)

	busHub := bus.NewHub()
	mcol := metrics.New()
	mcol.MustRegister(prometheus.DefaultRegisterer)

	a := &app{
		cfg:       cfg,
		db:        db,
		secrets:   secrets,
		manifests: manifests,
		spaces:    spaceReg,
		bus:       busHub,
		metrics:   mcol,
		types:     make(map[string]string),
	}

	var classifier *triage.Classifier
	var reflexMatcher *reflex.Matcher

	callbacks := supervisor.Callbacks{
		OnReachabilityChange: func(adapterID string, reachable bool) {
			spaceReg.SetAdapterReachability(adapterID, reachable)
			mcol.SetReachable(adapterID, a.adapterType(adapterID), reachable)
			r := reachable
			busHub.Broadcast(bus.Event{Kind: bus.EventReachability, AdapterID: adapterID, Reachable: &r, Time: time.Now()})
		},
		OnEntityRegistration: func(adapterID string, entities []wire.EntityRegistration, groups []wire.EntityGroup) {
			spaceReg.ApplyEntityRegistrations(adapterID, entities)
		},
		OnStateChanged: func(adapterID, entityID, property string, state, previousState map[string]any) {
			busHub.Broadcast(bus.Event{
				Kind: bus.EventStateChanged, AdapterID: adapterID, EntityID: entityID,
				Property: property, State: state, Time: time.Now(),
			})

			_, spaceID, _ := spaceReg.FindSource(adapterID, entityID)
			ev := triage.Event{
				DeviceID: entityID, SpaceID: spaceID, EventType: property,
				Data: state, Delta: numericDelta(state, previousState), At: time.Now(),
			}
			lane := classifier.Classify(ev)
			mcol.IncLane(string(lane))

			reflexMatcher.HandleEvent(context.Background(), reflex.EventData{
				DeviceID: entityID, EventType: property, Data: state,
			})
		},
	}

	a.sup = supervisor.New(manifests, secrets, callbacks)
	a.sup.SetMetrics(mcol)

	classifier = triage.New(triage.Options{
		Rules: nil,
		OnImmediate: func(e triage.Event) {
			log.Debug().Str("deviceId", e.DeviceID).Str("eventType", e.EventType).Msg("Immediate event")
		},
		OnBatch: func(b triage.BatchSummary) {
			log.Debug().Str("deviceId", b.DeviceID).Int("count", b.Count).Msg("Batched events flushed")
		},
	})
	a.triage = classifier

	reflexMatcher = reflex.New(a.sup, spaceReg.ResolveAdapterForEntity, nil)
	reflexMatcher.SetMetrics(mcol)
	a.reflex = reflexMatcher

	return a, nil
}

// adapterType returns the cached adapter type for metrics labels,
// populated as adapters are started.
func (a *app) adapterType(adapterID string) string {
	a.typesMu.RLock()
	defer a.typesMu.RUnlock()
	return a.types[adapterID]
}

func (a *app) rememberType(adapterID, adapterType string) {
	a.typesMu.Lock()
	defer a.typesMu.Unlock()
	a.types[adapterID] = adapterType
}

// startConfiguredAdapters boots every persisted adapter record through
// the supervisor, so a restart of the daemon resumes every previously
// configured adapter.
func (a *app) startConfiguredAdapters() error {
	records, err := a.db.ListAdapters()
	if err != nil {
		return fmt.Errorf("holmsd: list adapters: %w", err)
	}
	for _, rec := range records {
		a.rememberType(rec.ID, rec.Type)
		if err := a.sup.Start(rec.ID, rec.Type, rec.ConfigBag); err != nil {
			log.Error().Err(err).Str("adapterId", rec.ID).Msg("Failed to start configured adapter")
			continue
		}
	}
	return nil
}

// run starts the ambient surfaces (status server, triage ticker,
// config watchers) and blocks until ctx is cancelled.
func (a *app) run(ctx context.Context) error {
	if err := a.startConfiguredAdapters(); err != nil {
		return err
	}

	a.stopTicker = a.triage.RunTicker()

	a.status = metrics.NewServer(a.cfg.HTTPAddr, metrics.NewPromHandler(), func() (bool, string) {
		return true, ""
	})
	a.status.Handle("/bus", http.HandlerFunc(a.bus.HandleWebSocket))
	go a.status.ListenAndServe()

	a.stopReload = config.WatchReloadSignal(func() {
		log.Info().Msg("Received SIGHUP; configuration changes take effect on next restart")
	})

	if stop, err := config.NewWatcher(envFileFlag, a.cfg, func(c config.Config) {
		log.Info().Msg("Configuration file changed on disk; log level/HTTP address changes take effect on next restart")
	}); err != nil {
		log.Warn().Err(err).Msg("Failed to start config file watcher")
	} else {
		a.stopCfgWatch = stop
	}

	<-ctx.Done()
	return a.shutdown()
}

func (a *app) shutdown() error {
	if a.stopTicker != nil {
		a.stopTicker()
	}
	if a.stopCfgWatch != nil {
		a.stopCfgWatch()
	}
	if a.stopReload != nil {
		a.stopReload()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if a.status != nil {
		if err := a.status.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Status server shutdown error")
		}
	}
	if err := a.sup.StopAll(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Supervisor shutdown error")
	}
	return a.db.Close()
}

// numericDelta extracts a best-effort numeric delta between two
// reported states for triage's delta-threshold rules, looking at the
// conventional "value" field adapters report numeric readings under.
func numericDelta(state, previous map[string]any) *float64 {
	cur, ok := asFloat(state["value"])
	if !ok {
		return nil
	}
	prev, ok := asFloat(previous["value"])
	if !ok {
		return nil
	}
	d := cur - prev
	return &d
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
