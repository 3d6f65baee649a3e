//go:build !linux

package netif

import (
	"fmt"
	"runtime"

	"github.com/codelaboratoryltd/sstpc/pkg/ppp"
	"go.uber.org/zap"
)

// stubConfigurator is a stub for non-Linux platforms
type stubConfigurator struct{}

// NewConfigurator creates a stub configurator for non-Linux platforms
func NewConfigurator(logger *zap.Logger) (Configurator, error) {
	return &stubConfigurator{}, nil
}

// Apply returns an error on non-Linux platforms
func (c *stubConfigurator) Apply(ifname string, opts ppp.IPCPNegotiatedOptions) error {
	return fmt.Errorf("interface configuration not supported on %s (Linux required)", runtime.GOOS)
}

// Close is a no-op on non-Linux platforms
func (c *stubConfigurator) Close() {}
