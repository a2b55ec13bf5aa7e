package catalog

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// HealthStore is the slice of catalog persistence the probe needs: the list
// of nodes currently under monitoring and a way to record each probe's
// outcome. Any Store (*PostgresStore, *MemoryStore) satisfies this.
type HealthStore interface {
	ListAllNodes(ctx context.Context) ([]Node, error)
	RecordHealth(ctx context.Context, nodeID int64, health Health, checkedAt time.Time) error
}

// nodeProbeState is the probe's own bookkeeping per node, kept independent
// of the reported/goal state the rules engine reasons about: this is the
// monitor's opinion, formed by dialing the node directly, not by trusting
// what the node last said about itself.
type nodeProbeState struct {
	lastCheck        time.Time
	status           Health
	consecutiveFails int
}

// HealthProbe periodically dials every known node's Postgres port and
// records whether the connection attempt succeeded. It is the independent
// half of the IsLost predicate — node loss is only declared when both a
// staleness timeout AND this probe agree.
//
// The probe is deliberately dumb: a ticker, a consecutive-failure counter
// per node, and a dial. All interpretation happens in the rules engine.
type HealthProbe struct {
	store       HealthStore
	checkFunc   func(ctx context.Context, host string, port int) error
	onUnhealthy func(nodeID int64)
	nodes       map[int64]*nodeProbeState
	cancel      context.CancelFunc
	interval    time.Duration
	dialTimeout time.Duration
	maxFailures int
	mu          sync.RWMutex
	wg          sync.WaitGroup
}

// NewHealthProbe creates a probe that checks every node every interval and
// marks one unhealthy after 3 consecutive failed dial attempts.
func NewHealthProbe(store HealthStore, interval time.Duration) *HealthProbe {
	p := &HealthProbe{
		store:       store,
		interval:    interval,
		dialTimeout: 2 * time.Second,
		maxFailures: 3,
		nodes:       make(map[int64]*nodeProbeState),
	}
	p.checkFunc = p.defaultCheck
	return p
}

// SetOnUnhealthy installs a callback invoked the moment a node crosses the
// consecutive-failure threshold, to give a caller a chance to re-evaluate
// the group's rules immediately rather than waiting for the next tick.
func (p *HealthProbe) SetOnUnhealthy(callback func(nodeID int64)) {
	p.onUnhealthy = callback
}

// SetCheckFunction overrides the dial check, primarily for tests.
func (p *HealthProbe) SetCheckFunction(f func(ctx context.Context, host string, port int) error) {
	p.checkFunc = f
}

// Run starts the probe loop; it blocks until ctx is canceled.
func (p *HealthProbe) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(1)
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	log.WithField("interval", p.interval).Info("health probe started")

	p.checkAll(ctx)

	for {
		select {
		case <-ticker.C:
			p.checkAll(ctx)
		case <-ctx.Done():
			log.Info("health probe stopping")
			return
		}
	}
}

// Stop cancels the probe loop and waits for it to exit.
func (p *HealthProbe) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *HealthProbe) checkAll(ctx context.Context) {
	nodes, err := p.store.ListAllNodes(ctx)
	if err != nil {
		log.WithError(err).Warn("health probe could not list nodes")
		return
	}

	seen := make(map[int64]bool, len(nodes))
	for _, n := range nodes {
		if n.GoalState == StateDropped {
			continue
		}
		seen[n.NodeID] = true
		p.checkOne(ctx, n)
	}

	p.mu.Lock()
	for id := range p.nodes {
		if !seen[id] {
			delete(p.nodes, id)
		}
	}
	p.mu.Unlock()
}

func (p *HealthProbe) checkOne(ctx context.Context, node Node) {
	p.mu.Lock()
	state, ok := p.nodes[node.NodeID]
	if !ok {
		state = &nodeProbeState{status: HealthUnknown}
		p.nodes[node.NodeID] = state
	}
	p.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	err := p.checkFunc(dialCtx, node.Host, node.Port)
	cancel()

	now := time.Now()

	p.mu.Lock()
	state.lastCheck = now
	var becameUnhealthy bool
	if err != nil {
		state.consecutiveFails++
		log.WithFields(log.Fields{
			"node_id": node.NodeID,
			"attempt": state.consecutiveFails,
			"max":     p.maxFailures,
		}).WithError(err).Debug("health probe dial failed")

		if state.consecutiveFails >= p.maxFailures && state.status != HealthBad {
			state.status = HealthBad
			becameUnhealthy = true
		}
	} else {
		if state.status == HealthBad {
			log.WithField("node_id", node.NodeID).Info("node recovered")
		}
		state.status = HealthGood
		state.consecutiveFails = 0
	}
	status := state.status
	p.mu.Unlock()

	if rerr := p.store.RecordHealth(ctx, node.NodeID, status, now); rerr != nil {
		log.WithError(rerr).WithField("node_id", node.NodeID).Warn("failed to record health")
	}

	if becameUnhealthy && p.onUnhealthy != nil {
		go p.onUnhealthy(node.NodeID)
	}
}

// defaultCheck dials the node's Postgres port directly. It does not
// authenticate or run a query — a bare TCP connect is enough to distinguish
// "host unreachable" from "host up"; the staleness half of the IsLost
// predicate does the rest.
func (p *HealthProbe) defaultCheck(ctx context.Context, host string, port int) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return fmt.Errorf("dial %s:%d: %w", host, port, err)
	}
	return conn.Close()
}
