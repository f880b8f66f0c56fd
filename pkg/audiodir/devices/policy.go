package devices

import (
	"fmt"
	"sync"
)

// PolicyFactory constructs the OS policy capability
type PolicyFactory func() (PolicyConfig, error)

// PolicyClient shares a single PolicyConfig between its users. The
// underlying capability is built on first use; a failed build is retried
// the next time it's needed.
type PolicyClient struct {
	factory PolicyFactory

	mu     sync.Mutex
	config PolicyConfig
}

// NewPolicyClient returns a client that builds its capability with factory
func NewPolicyClient(factory PolicyFactory) *PolicyClient {
	return &PolicyClient{factory: factory}
}

// Get returns the shared capability, constructing it if absent
func (p *PolicyClient) Get() (PolicyConfig, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.config != nil {
		return p.config, nil
	}

	config, err := p.factory()
	if err != nil {
		return nil, fmt.Errorf("create policy config: %w", err)
	}

	p.config = config
	return config, nil
}

// SetDefaultEndpoint asks the OS to make id the default for role
func (p *PolicyClient) SetDefaultEndpoint(id string, role Role) error {
	config, err := p.Get()
	if err != nil {
		return err
	}

	if err := config.SetDefaultEndpoint(id, role); err != nil {
		return fmt.Errorf("set default endpoint %s for %s: %w", id, role, err)
	}

	return nil
}

// Release frees the capability if it was ever built
func (p *PolicyClient) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.config == nil {
		return nil
	}

	config := p.config
	p.config = nil

	if releaser, ok := config.(interface{ Release() error }); ok {
		if err := releaser.Release(); err != nil {
			return fmt.Errorf("release policy config: %w", err)
		}
	}

	return nil
}
