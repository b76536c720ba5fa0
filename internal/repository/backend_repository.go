package repository

import (
	"fmt"
	"sync"

	"github.com/mir00r/reactor-proxy/internal/domain"
	perrors "github.com/mir00r/reactor-proxy/internal/errors"
)

// InMemoryBackendRepository keeps the backend set in insertion order, which
// is the cyclic order the load balancer walks.
type InMemoryBackendRepository struct {
	mu       sync.RWMutex
	backends map[string]*domain.Backend
	order    []string
}

// NewInMemoryBackendRepository creates a new in-memory backend repository
func NewInMemoryBackendRepository() *InMemoryBackendRepository {
	return &InMemoryBackendRepository{
		backends: make(map[string]*domain.Backend),
	}
}

// GetAll returns all backends in insertion order
func (r *InMemoryBackendRepository) GetAll() []*domain.Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()

	backends := make([]*domain.Backend, 0, len(r.order))
	for _, id := range r.order {
		backends = append(backends, r.backends[id])
	}
	return backends
}

// GetByID returns a backend by its "ip:port" key
func (r *InMemoryBackendRepository) GetByID(id string) (*domain.Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	backend, exists := r.backends[id]
	if !exists {
		return nil, perrors.NewError(perrors.ErrCodeBackendUnavailable, "repository",
			fmt.Sprintf("backend '%s' not found", id))
	}
	return backend, nil
}

// Save inserts a backend or replaces the entry with the same address. A
// replaced entry keeps its position in the order.
func (r *InMemoryBackendRepository) Save(backend *domain.Backend) error {
	if backend == nil {
		return perrors.NewError(perrors.ErrCodeInvalidRequest, "repository", "backend cannot be nil")
	}
	if backend.Address.IP == "" || backend.Address.Port == 0 {
		return perrors.NewError(perrors.ErrCodeInvalidRequest, "repository", "backend address must have an ip and a port")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.put(backend)
	return nil
}

func (r *InMemoryBackendRepository) put(backend *domain.Backend) {
	id := backend.ID()
	if _, exists := r.backends[id]; !exists {
		r.order = append(r.order, id)
	}
	r.backends[id] = backend
}

// Delete removes a backend
func (r *InMemoryBackendRepository) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.backends[id]; !exists {
		return perrors.NewError(perrors.ErrCodeBackendUnavailable, "repository",
			fmt.Sprintf("backend '%s' not found", id))
	}

	delete(r.backends, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// GetHealthy returns the active set in insertion order
func (r *InMemoryBackendRepository) GetHealthy() []*domain.Backend {
	return r.GetByStatus(domain.StatusHealthy)
}

// GetByStatus returns backends with the specified status
func (r *InMemoryBackendRepository) GetByStatus(status domain.BackendStatus) []*domain.Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var filtered []*domain.Backend
	for _, id := range r.order {
		if b := r.backends[id]; b.GetStatus() == status {
			filtered = append(filtered, b)
		}
	}
	return filtered
}

// Count returns the total number of backends
func (r *InMemoryBackendRepository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.backends)
}

// CountByStatus returns the number of backends with the specified status
func (r *InMemoryBackendRepository) CountByStatus(status domain.BackendStatus) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, backend := range r.backends {
		if backend.GetStatus() == status {
			count++
		}
	}
	return count
}

// Exists checks if a backend with the given address exists
func (r *InMemoryBackendRepository) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.backends[id]
	return exists
}

// Clear removes all backends from the repository
func (r *InMemoryBackendRepository) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends = make(map[string]*domain.Backend)
	r.order = nil
}

// SaveAll saves multiple backends in a single operation
func (r *InMemoryBackendRepository) SaveAll(backends []*domain.Backend) error {
	// Validate all backends first
	for i, backend := range backends {
		if backend == nil {
			return perrors.NewError(perrors.ErrCodeInvalidRequest, "repository",
				fmt.Sprintf("backend at index %d cannot be nil", i))
		}
		if backend.Address.IP == "" || backend.Address.Port == 0 {
			return perrors.NewError(perrors.ErrCodeInvalidRequest, "repository",
				fmt.Sprintf("backend at index %d has an empty address", i))
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, backend := range backends {
		r.put(backend)
	}
	return nil
}

// GetStats returns repository statistics
func (r *InMemoryBackendRepository) GetStats() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	healthy, unhealthy := 0, 0
	for _, backend := range r.backends {
		switch backend.GetStatus() {
		case domain.StatusHealthy:
			healthy++
		case domain.StatusUnhealthy:
			unhealthy++
		}
	}

	return map[string]interface{}{
		"total_backends":     len(r.backends),
		"healthy_backends":   healthy,
		"unhealthy_backends": unhealthy,
	}
}
