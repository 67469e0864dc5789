package felling

import (
	"context"
	"log"
	"sync"
)

// PreferenceStore persists the per-player felling toggle.
type PreferenceStore interface {
	LoadPreferences(ctx context.Context) (map[string]bool, error)
	SavePreference(ctx context.Context, player string, enabled bool) error
}

// Players tracks which players have tree felling turned on.
type Players struct {
	mu             sync.RWMutex
	defaultEnabled bool
	overrides      map[string]bool
	store          PreferenceStore
	logger         *log.Logger
}

func NewPlayers(defaultEnabled bool, store PreferenceStore, logger *log.Logger) *Players {
	if logger == nil {
		logger = log.Default()
	}
	return &Players{
		defaultEnabled: defaultEnabled,
		overrides:      make(map[string]bool),
		store:          store,
		logger:         logger,
	}
}

// Restore loads saved preferences. Entries already set in memory win.
func (p *Players) Restore(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	saved, err := p.store.LoadPreferences(ctx)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for player, enabled := range saved {
		if _, ok := p.overrides[player]; !ok {
			p.overrides[player] = enabled
		}
	}
	return nil
}

func (p *Players) Enabled(player string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if enabled, ok := p.overrides[player]; ok {
		return enabled
	}
	return p.defaultEnabled
}

// SetEnabled updates the toggle in memory and in the store. A store failure
// is logged; the in-memory value still applies.
func (p *Players) SetEnabled(ctx context.Context, player string, enabled bool) {
	p.mu.Lock()
	p.overrides[player] = enabled
	p.mu.Unlock()
	if p.store == nil {
		return
	}
	if err := p.store.SavePreference(ctx, player, enabled); err != nil {
		p.logger.Printf("save felling preference for %s: %v", player, err)
	}
}

func (p *Players) SetDefault(enabled bool) {
	p.mu.Lock()
	p.defaultEnabled = enabled
	p.mu.Unlock()
}
