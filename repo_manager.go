package rtsync

import (
	"errors"
	"sync"
)

// RepoManager shares one Repo per database among the parts of a program.
// It is an ordinary value; programs that need isolation create several.
type RepoManager struct {
	mu    sync.Mutex
	repos map[string]*Repo
}

func NewRepoManager() *RepoManager {
	return &RepoManager{repos: make(map[string]*Repo)}
}

// Get returns the repo for url, creating it with opts on first use. Options
// of later calls for the same database are ignored.
func (m *RepoManager) Get(url string, opts ...Option) (*Repo, error) {
	info, err := ParseRepoURL(url)
	if err != nil {
		return nil, err
	}
	key := info.String()
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.repos[key]; ok {
		return r, nil
	}
	cfg := &Config{}
	for _, opt := range opts {
		opt(cfg)
	}
	cfg.defaults()
	r, err := newRepo(info, cfg)
	if err != nil {
		return nil, err
	}
	r.onClose = m.forget
	m.repos[key] = r
	return r, nil
}

func (m *RepoManager) forget(r *Repo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := r.info.String()
	if m.repos[key] == r {
		delete(m.repos, key)
	}
}

// Len is the number of open repos.
func (m *RepoManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.repos)
}

func (m *RepoManager) all() []*Repo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Repo, 0, len(m.repos))
	for _, r := range m.repos {
		out = append(out, r)
	}
	return out
}

// Interrupt takes every repo offline.
func (m *RepoManager) Interrupt() {
	for _, r := range m.all() {
		r.GoOffline()
	}
}

// Resume brings every repo back online.
func (m *RepoManager) Resume() {
	for _, r := range m.all() {
		r.GoOnline()
	}
}

// CloseAll closes every repo.
func (m *RepoManager) CloseAll() error {
	var errs []error
	for _, r := range m.all() {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
