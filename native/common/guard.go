package common

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

var ErrModulePaused = errors.New("module paused")

// Module names understood by the pause guard.
const (
	ModuleMatching    = "matching"
	ModuleSettlement  = "settlement"
	ModuleDeposits    = "deposits"
	ModuleWithdrawals = "withdrawals"
)

type PauseView interface {
	IsPaused(module string) bool
}

func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// KnownModule reports whether the module name can be paused.
func KnownModule(module string) bool {
	switch normalizeModule(module) {
	case ModuleMatching, ModuleSettlement, ModuleDeposits, ModuleWithdrawals:
		return true
	default:
		return false
	}
}

// Pauses is an in-memory PauseView toggled by operators.
type Pauses struct {
	mu     sync.RWMutex
	paused map[string]bool
}

func NewPauses() *Pauses {
	return &Pauses{paused: make(map[string]bool)}
}

func (p *Pauses) IsPaused(module string) bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused[normalizeModule(module)]
}

func (p *Pauses) Set(module string, paused bool) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	key := normalizeModule(module)
	if paused {
		p.paused[key] = true
		return
	}
	delete(p.paused, key)
}

// Paused returns the sorted list of paused modules.
func (p *Pauses) Paused() []string {
	if p == nil {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.paused))
	for module := range p.paused {
		out = append(out, module)
	}
	sort.Strings(out)
	return out
}

func normalizeModule(module string) string {
	return strings.ToLower(strings.TrimSpace(module))
}
