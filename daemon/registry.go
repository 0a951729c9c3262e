// Package daemon assembles and supervises the per-exchange engines of a
// running client instance.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lgrabowski/trademirror"
)

const enableRetryBackoff = 10 * time.Second

// Registry owns the engines of all configured exchanges. Engines are
// registered in configuration order, which fixes their ordinals for the
// lifetime of the process.
type Registry struct {
	logger trademirror.Logger

	enginesMutex sync.Mutex
	engines      []*trademirror.Engine
	crosses      map[string]*trademirror.CrossExchange
}

func NewRegistry(logger trademirror.Logger) *Registry {
	return &Registry{
		logger:  logger,
		engines: make([]*trademirror.Engine, 0),
		crosses: make(map[string]*trademirror.CrossExchange),
	}
}

// Register runs a new engine for the named exchange and records it under
// the next free ordinal. The engine starts in the idle state; call
// EnableAll or Engine(name).Enable to begin synchronisation.
func (r *Registry) Register(
	ctx context.Context,
	name string,
	service trademirror.ExchangeService,
	history trademirror.HistoryRepository,
	events trademirror.EventService,
	ids trademirror.IDService,
	config trademirror.EngineConfig,
) (*trademirror.Engine, error) {
	r.enginesMutex.Lock()
	defer r.enginesMutex.Unlock()

	for _, engine := range r.engines {
		if engine.Name() == name {
			return nil, fmt.Errorf(
				"engine for exchange [%v] is already registered",
				name,
			)
		}
	}

	engine, err := trademirror.RunEngine(
		ctx,
		name,
		len(r.engines),
		service,
		history,
		events,
		ids,
		r.logger,
		config,
	)
	if err != nil {
		return nil, fmt.Errorf(
			"could not run engine for exchange [%v]: [%v]",
			name,
			err,
		)
	}

	r.engines = append(r.engines, engine)

	return engine, nil
}

// RegisterCross builds a combined view over two registered exchanges.
func (r *Registry) RegisterCross(
	name string,
	coin trademirror.Coin,
	leftName, rightName string,
) (*trademirror.CrossExchange, error) {
	left, ok := r.Engine(leftName)
	if !ok {
		return nil, fmt.Errorf("unknown exchange: [%v]", leftName)
	}

	right, ok := r.Engine(rightName)
	if !ok {
		return nil, fmt.Errorf("unknown exchange: [%v]", rightName)
	}

	r.enginesMutex.Lock()
	defer r.enginesMutex.Unlock()

	cross := trademirror.NewCrossExchange(name, coin, left, right)
	r.crosses[name] = cross

	return cross, nil
}

func (r *Registry) Engine(name string) (*trademirror.Engine, bool) {
	r.enginesMutex.Lock()
	defer r.enginesMutex.Unlock()

	for _, engine := range r.engines {
		if engine.Name() == name {
			return engine, true
		}
	}

	return nil, false
}

// Engines returns the registered engines in ordinal order.
func (r *Registry) Engines() []*trademirror.Engine {
	r.enginesMutex.Lock()
	defer r.enginesMutex.Unlock()

	engines := make([]*trademirror.Engine, len(r.engines))
	copy(engines, r.engines)

	return engines
}

func (r *Registry) Cross(name string) (*trademirror.CrossExchange, bool) {
	r.enginesMutex.Lock()
	defer r.enginesMutex.Unlock()

	cross, ok := r.crosses[name]

	return cross, ok
}

// EnableAll enables every registered engine, retrying transient failures
// in the background until the context is done. Administratively disabled
// engines are skipped.
func (r *Registry) EnableAll(ctx context.Context) {
	for _, engine := range r.Engines() {
		engineLogger := r.logger.WithField("exchange", engine.Name())

		err := engine.Enable(ctx)
		switch {
		case err == nil:
			engineLogger.Infof("engine enabled")
		case errors.Is(err, trademirror.ErrExchangeDisabled):
			engineLogger.Infof("engine is disabled; skipping")
		default:
			engineLogger.Errorf(
				"could not enable engine: [%v]; will retry",
				err,
			)

			go r.retryEnable(ctx, engine, engineLogger)
		}
	}
}

func (r *Registry) retryEnable(
	ctx context.Context,
	engine *trademirror.Engine,
	engineLogger trademirror.Logger,
) {
	for {
		select {
		case <-time.After(enableRetryBackoff):
		case <-ctx.Done():
			return
		}

		if err := engine.Enable(ctx); err != nil {
			engineLogger.Errorf(
				"could not enable engine: [%v]; will retry",
				err,
			)
			continue
		}

		engineLogger.Infof("engine enabled")
		return
	}
}

// Close disables and closes all engines, newest first.
func (r *Registry) Close() {
	r.enginesMutex.Lock()
	engines := make([]*trademirror.Engine, len(r.engines))
	copy(engines, r.engines)
	r.enginesMutex.Unlock()

	for i := len(engines) - 1; i >= 0; i-- {
		engines[i].Disable()
		engines[i].Close()
	}
}
