package app

import (
	"context"
	"sync"

	"ingressd/internal/ingress/catalog"
	"ingressd/internal/storage"
	logx "ingressd/pkg/logx"
)

const persistJobName = "catalog.persist"

// persister writes the catalog to storage when it changed since the last write.
type persister struct {
	log   logx.Logger
	cat   *catalog.Catalog
	store storage.Store

	mu    sync.Mutex
	saved bool
	last  uint64
}

func newPersister(log logx.Logger, cat *catalog.Catalog, store storage.Store) *persister {
	return &persister{log: log.With(logx.String("comp", "persist")), cat: cat, store: store}
}

func (p *persister) Run(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Read the index before the list: a change in between bumps the index
	// again and is picked up by the next run.
	idx := p.cat.Index()
	if p.saved && idx == p.last {
		return nil
	}
	plugins := p.cat.List()
	if err := p.store.ReplacePlugins(ctx, plugins); err != nil {
		return err
	}
	p.saved = true
	p.last = idx
	p.log.Debug("catalog persisted", logx.Int("plugins", len(plugins)), logx.Int64("index", int64(idx)))
	return nil
}

// restore loads the stored catalog; the persister treats it as already saved.
func (p *persister) restore(ctx context.Context) error {
	plugins, err := p.store.LoadPlugins(ctx)
	if err != nil {
		return err
	}
	p.cat.Load(plugins)

	p.mu.Lock()
	p.saved = true
	p.last = p.cat.Index()
	p.mu.Unlock()
	p.log.Info("catalog restored", logx.Int("plugins", len(plugins)))
	return nil
}
