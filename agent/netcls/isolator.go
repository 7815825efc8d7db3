package netcls

import (
	"errors"
	"fmt"
	"path"
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"

	"github.com/scusemua/fleet-master/common/types"
)

var (
	// ErrUnknownContainer indicates an isolator call against a container the isolator has not
	// prepared or recovered.
	ErrUnknownContainer = errors.New("the container is not known to the isolator")

	// ErrContainerExists indicates that a container was prepared twice.
	ErrContainerExists = errors.New("the container is already known to the isolator")
)

// ContainerState describes a container that survived an agent restart, for Recover.
type ContainerState struct {
	ContainerId string
	Handle      Handle
}

// ContainerConfig carries the per-container parameters available at preparation time.
type ContainerConfig struct {
	// Primary optionally pins the container's handle under a specific primary; zero means any.
	Primary uint16
}

// LaunchInfo is the isolator's contribution to launching a container.
type LaunchInfo struct {
	// CgroupPath is the net_cls cgroup the container's processes are placed into.
	CgroupPath string

	// Handle is the classifier handle written to the cgroup's net_cls.classid.
	Handle Handle
}

// Limitation is emitted on Watch when a container exceeds a limit. The net_cls isolator never
// emits one; the channel exists to satisfy the lifecycle.
type Limitation struct {
	ContainerId string
	Reason      string
}

// Stats is the usage snapshot returned by Usage.
type Stats struct {
	ContainerId string
	Handle      Handle
}

// Isolator is the container-isolation lifecycle boundary. It is driven solely by container
// lifecycle events and never reads or writes the reservation ledger.
type Isolator interface {
	Recover(states []ContainerState, orphanIds []string) error
	Prepare(containerId string, containerConfig ContainerConfig) (*LaunchInfo, error)
	Isolate(containerId string, pid int) error
	Watch(containerId string) (<-chan Limitation, error)
	Update(containerId string, resources types.Resources) error
	Usage(containerId string) (*Stats, error)
	Cleanup(containerId string) error
}

// NetClsIsolator maps each container to one classifier handle and the cgroup path derived from
// it. It performs the bookkeeping half of net_cls isolation; writing classids and moving pids
// into cgroups belongs to the OS-binding layer that consumes LaunchInfo.
type NetClsIsolator struct {
	mu  sync.Mutex
	log logger.Logger

	hierarchy string
	handles   *HandleManager
	infos     map[string]Handle
}

// NewNetClsIsolator creates an isolator rooted at the given cgroup hierarchy.
func NewNetClsIsolator(hierarchy string, handles *HandleManager) *NetClsIsolator {
	isolator := &NetClsIsolator{
		hierarchy: hierarchy,
		handles:   handles,
		infos:     make(map[string]Handle),
	}
	config.InitLogger(&isolator.log, isolator)

	return isolator
}

// Recover re-registers containers that survived a restart, re-reserving their handles.
// Orphans are cleaned up immediately.
func (i *NetClsIsolator) Recover(states []ContainerState, orphanIds []string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	for _, state := range states {
		if err := i.handles.Reserve(state.Handle); err != nil {
			return fmt.Errorf("recovering container \"%s\": %w", state.ContainerId, err)
		}

		i.infos[state.ContainerId] = state.Handle
	}

	for _, orphanId := range orphanIds {
		if handle, ok := i.infos[orphanId]; ok {
			_ = i.handles.Free(handle)
			delete(i.infos, orphanId)
		}
	}

	return nil
}

// Prepare allocates the container's handle and derives its cgroup path.
func (i *NetClsIsolator) Prepare(containerId string, containerConfig ContainerConfig) (*LaunchInfo, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if _, ok := i.infos[containerId]; ok {
		return nil, fmt.Errorf("%w: \"%s\"", ErrContainerExists, containerId)
	}

	var (
		handle Handle
		err    error
	)
	if containerConfig.Primary != 0 {
		handle, err = i.handles.AllocIn(containerConfig.Primary)
	} else {
		handle, err = i.handles.Alloc()
	}
	if err != nil {
		return nil, err
	}

	i.infos[containerId] = handle
	i.log.Debug("Prepared container \"%s\" with handle %s.", containerId, handle.String())

	return &LaunchInfo{
		CgroupPath: path.Join(i.hierarchy, containerId),
		Handle:     handle,
	}, nil
}

// Isolate is a no-op at this layer; placing the pid into the cgroup is the OS binding's job.
func (i *NetClsIsolator) Isolate(containerId string, pid int) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if _, ok := i.infos[containerId]; !ok {
		return fmt.Errorf("%w: \"%s\"", ErrUnknownContainer, containerId)
	}

	return nil
}

// Watch returns a channel that never emits: net_cls imposes no limits of its own.
func (i *NetClsIsolator) Watch(containerId string) (<-chan Limitation, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if _, ok := i.infos[containerId]; !ok {
		return nil, fmt.Errorf("%w: \"%s\"", ErrUnknownContainer, containerId)
	}

	return make(chan Limitation), nil
}

// Update is a no-op: classifier handles are not resource-dependent.
func (i *NetClsIsolator) Update(containerId string, resources types.Resources) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if _, ok := i.infos[containerId]; !ok {
		return fmt.Errorf("%w: \"%s\"", ErrUnknownContainer, containerId)
	}

	return nil
}

// Usage reports the container's handle.
func (i *NetClsIsolator) Usage(containerId string) (*Stats, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	handle, ok := i.infos[containerId]
	if !ok {
		return nil, fmt.Errorf("%w: \"%s\"", ErrUnknownContainer, containerId)
	}

	return &Stats{ContainerId: containerId, Handle: handle}, nil
}

// Cleanup releases the container's handle.
func (i *NetClsIsolator) Cleanup(containerId string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	handle, ok := i.infos[containerId]
	if !ok {
		return fmt.Errorf("%w: \"%s\"", ErrUnknownContainer, containerId)
	}

	delete(i.infos, containerId)

	return i.handles.Free(handle)
}
