package master

import (
	"sync"

	"github.com/Scusemua/go-utils/promise"

	"github.com/scusemua/fleet-master/master/ledger"
)

// agentTaskBuffer is the capacity of an agent's pending-operation queue.
const agentTaskBuffer = 128

// agentEntry pairs an agent's ledger with the single-writer pipeline that serializes every
// mutation against it.
//
// All mutating operations for one agent (operator reservation requests, offer allocation,
// accept/decline, and recovered-resource notifications) are submitted as closures onto the
// tasks queue and executed one at a time in arrival order by a dedicated goroutine. Cross-agent
// operations proceed fully in parallel. No component mutates the ledger or the agent's offers
// outside this queue.
type agentEntry struct {
	id       string
	hostname string
	ledger   *ledger.AgentLedger

	mu     sync.RWMutex
	closed bool
	tasks  chan func()
	quit   chan struct{}
}

func newAgentEntry(agentId string, hostname string, agentLedger *ledger.AgentLedger) *agentEntry {
	entry := &agentEntry{
		id:       agentId,
		hostname: hostname,
		ledger:   agentLedger,
		tasks:    make(chan func(), agentTaskBuffer),
		quit:     make(chan struct{}),
	}
	go entry.run()

	return entry
}

func (a *agentEntry) run() {
	for {
		select {
		case task := <-a.tasks:
			task()
		case <-a.quit:
			// Drain whatever was already queued so no submitted promise is left unresolved.
			// stop() guarantees nothing is enqueued after quit closes.
			for {
				select {
				case task := <-a.tasks:
					task()
				default:
					return
				}
			}
		}
	}
}

// execute submits an operation onto the agent's queue and returns a promise that resolves with
// the operation's result once it has run. The caller's goroutine is never blocked waiting for
// its turn; it parks on the promise instead.
func (a *agentEntry) execute(operation func() (interface{}, error)) promise.Promise {
	p := promise.NewChannelPromise()

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		_, _ = p.Resolve(nil, ErrAgentRemoved)
		return p
	}

	task := func() {
		result, err := operation()
		_, _ = p.Resolve(result, err)
	}

	// A saturated queue parks the sender until there is room; operations are never dropped and
	// arrival order is preserved.
	a.tasks <- task

	return p
}

// stop shuts the agent's pipeline down. Queued operations are drained before the goroutine
// exits; later submissions fail with ErrAgentRemoved.
func (a *agentEntry) stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}

	a.closed = true
	close(a.quit)
}
