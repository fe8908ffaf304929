// Package discovery backs the worker registry's optional
// external-registration backend: an in-memory
// default for a single-process deployment, and an etcd-backed
// implementation for a multi-process one, so RegisterWorker/Heartbeat/
// DeregisterWorker calls are visible to coordinators running elsewhere.
// This is discovery only, not consensus or leader election.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// ServiceInstance represents a registered service instance
type ServiceInstance struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Host     string            `json:"host"`
	Port     int               `json:"port"`
	Metadata map[string]string `json:"metadata"`
	Health   HealthStatus      `json:"health"`
	LastSeen time.Time         `json:"lastSeen"`
}

// HealthStatus represents service health
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// ServiceDiscovery interface for service registration and discovery
type ServiceDiscovery interface {
	// Register registers a service instance
	Register(ctx context.Context, instance *ServiceInstance) error

	// Deregister removes a service instance
	Deregister(ctx context.Context, instanceID string) error

	// Discover returns all instances of a service
	Discover(ctx context.Context, serviceName string) ([]*ServiceInstance, error)

	// Watch watches for changes to a service
	Watch(ctx context.Context, serviceName string) (<-chan []*ServiceInstance, error)

	// Heartbeat sends a heartbeat for an instance
	Heartbeat(ctx context.Context, instanceID string) error

	// Close releases any resources held by the backend.
	Close() error
}

// InMemoryDiscovery is the default backend: a single coordinator process
// with no need to publish worker registration beyond itself.
type InMemoryDiscovery struct {
	mu        sync.RWMutex
	instances map[string]*ServiceInstance
	watchers  map[string][]chan []*ServiceInstance
}

// NewInMemoryDiscovery creates a new in-memory discovery
func NewInMemoryDiscovery() *InMemoryDiscovery {
	return &InMemoryDiscovery{
		instances: make(map[string]*ServiceInstance),
		watchers:  make(map[string][]chan []*ServiceInstance),
	}
}

func (d *InMemoryDiscovery) Register(ctx context.Context, instance *ServiceInstance) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	instance.LastSeen = time.Now()
	instance.Health = HealthHealthy
	d.instances[instance.ID] = instance

	d.notifyWatchers(instance.Name)
	return nil
}

func (d *InMemoryDiscovery) Deregister(ctx context.Context, instanceID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if instance, ok := d.instances[instanceID]; ok {
		delete(d.instances, instanceID)
		d.notifyWatchers(instance.Name)
	}
	return nil
}

func (d *InMemoryDiscovery) Discover(ctx context.Context, serviceName string) ([]*ServiceInstance, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var result []*ServiceInstance
	for _, instance := range d.instances {
		if instance.Name == serviceName && instance.Health == HealthHealthy {
			result = append(result, instance)
		}
	}
	return result, nil
}

func (d *InMemoryDiscovery) Watch(ctx context.Context, serviceName string) (<-chan []*ServiceInstance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ch := make(chan []*ServiceInstance, 10)
	d.watchers[serviceName] = append(d.watchers[serviceName], ch)

	return ch, nil
}

func (d *InMemoryDiscovery) Heartbeat(ctx context.Context, instanceID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if instance, ok := d.instances[instanceID]; ok {
		instance.LastSeen = time.Now()
		instance.Health = HealthHealthy
	}
	return nil
}

func (d *InMemoryDiscovery) Close() error { return nil }

// notifyWatchers is called with d.mu held, so it filters d.instances
// directly rather than going through Discover (which takes d.mu again).
func (d *InMemoryDiscovery) notifyWatchers(serviceName string) {
	var instances []*ServiceInstance
	for _, instance := range d.instances {
		if instance.Name == serviceName && instance.Health == HealthHealthy {
			instances = append(instances, instance)
		}
	}
	for _, ch := range d.watchers[serviceName] {
		select {
		case ch <- instances:
		default:
		}
	}
}

const etcdKeyPrefix = "/coordination-core/workers/"
const leaseTTLSeconds = 15

// EtcdDiscovery publishes worker registration to etcd under a
// lease-backed key so other coordinator processes (and operators) can
// observe the live worker set. The lease is kept alive by the background
// keep-alive that Register starts; letting the lease expire is how a crashed coordinator's workers age
// out without anyone calling Deregister.
type EtcdDiscovery struct {
	client *clientv3.Client

	mu      sync.Mutex
	leases  map[string]clientv3.LeaseID
	cancels map[string]context.CancelFunc
}

// NewEtcdDiscovery dials the given endpoints. The caller owns the
// returned client's lifecycle via Close.
func NewEtcdDiscovery(endpoints []string, dialTimeout time.Duration) (*EtcdDiscovery, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd discovery: dial: %w", err)
	}
	return &EtcdDiscovery{
		client:  cli,
		leases:  make(map[string]clientv3.LeaseID),
		cancels: make(map[string]context.CancelFunc),
	}, nil
}

func (d *EtcdDiscovery) key(instanceID string) string {
	return etcdKeyPrefix + instanceID
}

// Register puts the instance under a fresh lease and starts a
// background keep-alive so the registration survives until Deregister
// or the process exits without deregistering (at which point the lease
// expires after leaseTTLSeconds).
func (d *EtcdDiscovery) Register(ctx context.Context, instance *ServiceInstance) error {
	instance.LastSeen = time.Now()
	instance.Health = HealthHealthy

	lease, err := d.client.Grant(ctx, leaseTTLSeconds)
	if err != nil {
		return fmt.Errorf("etcd discovery: grant lease: %w", err)
	}

	payload, err := json.Marshal(instance)
	if err != nil {
		return fmt.Errorf("etcd discovery: marshal instance: %w", err)
	}

	if _, err := d.client.Put(ctx, d.key(instance.ID), string(payload), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("etcd discovery: put: %w", err)
	}

	keepAliveCtx, cancel := context.WithCancel(context.Background())
	keepAlive, err := d.client.KeepAlive(keepAliveCtx, lease.ID)
	if err != nil {
		cancel()
		return fmt.Errorf("etcd discovery: keep alive: %w", err)
	}

	d.mu.Lock()
	d.leases[instance.ID] = lease.ID
	d.cancels[instance.ID] = cancel
	d.mu.Unlock()

	go func() {
		for range keepAlive {
		}
	}()

	return nil
}

func (d *EtcdDiscovery) Deregister(ctx context.Context, instanceID string) error {
	d.mu.Lock()
	if cancel, ok := d.cancels[instanceID]; ok {
		cancel()
		delete(d.cancels, instanceID)
	}
	delete(d.leases, instanceID)
	d.mu.Unlock()

	_, err := d.client.Delete(ctx, d.key(instanceID))
	if err != nil {
		return fmt.Errorf("etcd discovery: delete: %w", err)
	}
	return nil
}

func (d *EtcdDiscovery) Discover(ctx context.Context, serviceName string) ([]*ServiceInstance, error) {
	resp, err := d.client.Get(ctx, etcdKeyPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("etcd discovery: get: %w", err)
	}

	var out []*ServiceInstance
	for _, kv := range resp.Kvs {
		var inst ServiceInstance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			continue
		}
		if inst.Name == serviceName {
			out = append(out, &inst)
		}
	}
	return out, nil
}

// Watch streams instance-set snapshots for serviceName on every etcd
// change under the registry prefix. The returned channel is closed when
// ctx is cancelled.
func (d *EtcdDiscovery) Watch(ctx context.Context, serviceName string) (<-chan []*ServiceInstance, error) {
	out := make(chan []*ServiceInstance, 10)
	watchCh := d.client.Watch(ctx, etcdKeyPrefix, clientv3.WithPrefix())

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-watchCh:
				if !ok {
					return
				}
				instances, err := d.Discover(ctx, serviceName)
				if err != nil {
					continue
				}
				select {
				case out <- instances:
				default:
				}
			}
		}
	}()

	return out, nil
}

// Heartbeat is a no-op beyond the lease keep-alive started in Register;
// it exists to satisfy ServiceDiscovery for callers that heartbeat
// uniformly across backends.
func (d *EtcdDiscovery) Heartbeat(ctx context.Context, instanceID string) error {
	d.mu.Lock()
	_, ok := d.leases[instanceID]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("etcd discovery: unknown instance %s", instanceID)
	}
	return nil
}

func (d *EtcdDiscovery) Close() error {
	d.mu.Lock()
	for _, cancel := range d.cancels {
		cancel()
	}
	d.mu.Unlock()
	return d.client.Close()
}
