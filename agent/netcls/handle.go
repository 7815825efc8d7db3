package netcls

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"

	"github.com/scusemua/fleet-master/common/types"
)

var (
	// ErrPoolExhausted indicates that no free handle remains in the configured primary ranges.
	ErrPoolExhausted = errors.New("no free net_cls handle available")

	// ErrHandleInUse indicates an attempt to reserve a handle that is already held.
	ErrHandleInUse = errors.New("the net_cls handle is already in use")

	// ErrHandleNotInUse indicates an attempt to free a handle that is not held.
	ErrHandleNotInUse = errors.New("the net_cls handle is not in use")

	// ErrPrimaryOutOfRange indicates a primary handle outside the configured ranges.
	ErrPrimaryOutOfRange = errors.New("the primary handle is outside the configured ranges")
)

// Handle is a 32-bit net_cls classifier handle: a 16-bit primary (major) part and a 16-bit
// secondary (minor) part. The kernel formats it as 0xAAAABBBB.
type Handle struct {
	Primary   uint16
	Secondary uint16
}

func (h Handle) String() string {
	return fmt.Sprintf("0x%04x%04x", h.Primary, h.Secondary)
}

// HandleManager hands out classifier handles from a configured set of primary ranges,
// guaranteeing that no handle is held by two containers at once. Secondary handles start at 1;
// secondary 0 is reserved by the kernel to mean "no class".
type HandleManager struct {
	mu  sync.Mutex
	log logger.Logger

	primaries *types.Ranges
	used      map[uint16]map[uint16]struct{}
}

// NewHandleManager creates a manager over the given primary handle ranges.
func NewHandleManager(primaries *types.Ranges) (*HandleManager, error) {
	if err := primaries.Validate(); err != nil {
		return nil, err
	}

	if primaries.IsEmpty() {
		return nil, fmt.Errorf("%w: no primary ranges configured", ErrPoolExhausted)
	}

	for _, interval := range primaries.Ranges {
		if interval.End > 0xffff {
			return nil, fmt.Errorf("primary range [%d-%d] exceeds the 16-bit handle space", interval.Begin, interval.End)
		}
	}

	m := &HandleManager{
		primaries: primaries.Clone(),
		used:      make(map[uint16]map[uint16]struct{}),
	}
	config.InitLogger(&m.log, m)

	return m, nil
}

// Alloc hands out an arbitrary free handle.
func (m *HandleManager) Alloc() (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, interval := range m.primaries.Ranges {
		for primary := interval.Begin; primary <= interval.End; primary++ {
			if secondary, ok := m.freeSecondaryLocked(uint16(primary)); ok {
				return m.takeLocked(uint16(primary), secondary), nil
			}
		}
	}

	return Handle{}, ErrPoolExhausted
}

// AllocIn hands out a free handle under the given primary.
func (m *HandleManager) AllocIn(primary uint16) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.primaryAllowedLocked(primary) {
		return Handle{}, fmt.Errorf("%w: 0x%04x", ErrPrimaryOutOfRange, primary)
	}

	secondary, ok := m.freeSecondaryLocked(primary)
	if !ok {
		return Handle{}, fmt.Errorf("%w: primary 0x%04x is full", ErrPoolExhausted, primary)
	}

	return m.takeLocked(primary, secondary), nil
}

// Reserve marks a specific handle as in use, e.g. when recovering containers that already hold
// handles from a previous run.
func (m *HandleManager) Reserve(handle Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.primaryAllowedLocked(handle.Primary) {
		return fmt.Errorf("%w: %s", ErrPrimaryOutOfRange, handle.String())
	}

	if _, held := m.used[handle.Primary][handle.Secondary]; held {
		return fmt.Errorf("%w: %s", ErrHandleInUse, handle.String())
	}

	m.takeLocked(handle.Primary, handle.Secondary)

	return nil
}

// Free releases a held handle.
func (m *HandleManager) Free(handle Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	secondaries, ok := m.used[handle.Primary]
	if !ok {
		return fmt.Errorf("%w: %s", ErrHandleNotInUse, handle.String())
	}

	if _, held := secondaries[handle.Secondary]; !held {
		return fmt.Errorf("%w: %s", ErrHandleNotInUse, handle.String())
	}

	delete(secondaries, handle.Secondary)
	if len(secondaries) == 0 {
		delete(m.used, handle.Primary)
	}

	return nil
}

// IsUsed reports whether the given handle is currently held.
func (m *HandleManager) IsUsed(handle Handle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, held := m.used[handle.Primary][handle.Secondary]
	return held
}

func (m *HandleManager) primaryAllowedLocked(primary uint16) bool {
	return m.primaries.Contains(types.NewRanges(types.Range{Begin: uint64(primary), End: uint64(primary)}))
}

// freeSecondaryLocked finds the lowest unused secondary under the primary. Secondary 0 is
// never handed out.
func (m *HandleManager) freeSecondaryLocked(primary uint16) (uint16, bool) {
	secondaries := m.used[primary]

	for candidate := uint32(1); candidate <= 0xffff; candidate++ {
		if _, held := secondaries[uint16(candidate)]; !held {
			return uint16(candidate), true
		}
	}

	return 0, false
}

func (m *HandleManager) takeLocked(primary uint16, secondary uint16) Handle {
	if m.used[primary] == nil {
		m.used[primary] = make(map[uint16]struct{})
	}
	m.used[primary][secondary] = struct{}{}

	return Handle{Primary: primary, Secondary: secondary}
}
