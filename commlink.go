// Package commlink is the entry point of the commlink messaging layer: a
// transport-agnostic toolkit for RPC and PubSub endpoints over heterogeneous
// message brokers, with bridges relaying traffic between backends.
//
// The package itself is a thin facade. Backends register a transport.Driver
// under a Backend name; the typed constructors in endpoints.go pair a driver
// with connection parameters and hand back ready-to-connect endpoints from
// the messaging package.
package commlink

import (
	"errors"
	"fmt"
	"sync"

	"github.com/commlink-io/commlink-go/transport"
	amqptransport "github.com/commlink-io/commlink-go/transports/amqp"
	pulsartransport "github.com/commlink-io/commlink-go/transports/pulsar"
	redistransport "github.com/commlink-io/commlink-go/transports/redis"
)

// Backend names a broker technology known to the driver registry.
type Backend string

const (
	BackendAMQP   Backend = "amqp"
	BackendRedis  Backend = "redis"
	BackendPulsar Backend = "pulsar"
)

// ErrUnknownBackend is returned when no driver is registered under the
// requested backend name.
var ErrUnknownBackend = errors.New("commlink: unknown backend")

var registry = struct {
	sync.RWMutex
	drivers map[Backend]transport.Driver
}{drivers: make(map[Backend]transport.Driver)}

func init() {
	Register(BackendAMQP, amqptransport.NewDriver())
	Register(BackendRedis, redistransport.NewDriver())
	Register(BackendPulsar, pulsartransport.NewDriver())
}

// Register makes a driver available under a backend name, replacing any
// previous registration. Custom backends (in-process brokers, test doubles)
// register here next to the built-ins.
func Register(backend Backend, driver transport.Driver) {
	registry.Lock()
	defer registry.Unlock()
	registry.drivers[backend] = driver
}

// Driver returns the driver registered under the backend name.
func Driver(backend Backend) (transport.Driver, error) {
	registry.RLock()
	defer registry.RUnlock()

	driver, ok := registry.drivers[backend]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
	return driver, nil
}

// Backends lists the registered backend names.
func Backends() []Backend {
	registry.RLock()
	defer registry.RUnlock()

	names := make([]Backend, 0, len(registry.drivers))
	for name := range registry.drivers {
		names = append(names, name)
	}
	return names
}
