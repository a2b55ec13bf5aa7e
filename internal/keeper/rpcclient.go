package keeper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dreamware/pgautoctl/internal/catalog"
)

// httpClient is shared across every monitor call for connection reuse.
var httpClient = &http.Client{Timeout: 5 * time.Second}

// MonitorClient is the keeper's view of the monitor: three of the
// operations Catalog exposes, reached over the RPC routes in internal/api
// instead of in-process (the keeper and monitor are always separate
// processes, usually on separate hosts).
type MonitorClient struct {
	baseURL string
}

// NewMonitorClient targets the monitor's RPC listener at baseURL (e.g.
// "http://monitor.example.com:6000").
func NewMonitorClient(baseURL string) *MonitorClient {
	return &MonitorClient{baseURL: baseURL}
}

type registerNodeRequest struct {
	FormationID       string `json:"formation_id"`
	GroupID           int    `json:"group_id"`
	NodeName          string `json:"node_name"`
	Host              string `json:"host"`
	Port              int    `json:"port"`
	CandidatePriority int    `json:"candidate_priority"`
	ReplicationQuorum bool   `json:"replication_quorum"`
}

// RegisterNode registers this keeper's node with the monitor.
func (c *MonitorClient) RegisterNode(ctx context.Context, formationID string, groupID int, nodeName, host string, port, candidatePriority int, replicationQuorum bool) (*catalog.Assignment, error) {
	var assignment catalog.Assignment
	err := postJSON(ctx, c.baseURL+"/rpc/nodes", registerNodeRequest{
		FormationID: formationID, GroupID: groupID, NodeName: nodeName, Host: host, Port: port,
		CandidatePriority: candidatePriority, ReplicationQuorum: replicationQuorum,
	}, &assignment)
	return &assignment, err
}

type nodeActiveRequest struct {
	ReportedState    catalog.NodeState        `json:"reported_state"`
	SystemIdentifier int64                    `json:"system_identifier"`
	LSN              catalog.LSN              `json:"lsn"`
	ReplicationMode  catalog.ReplicationState `json:"replication_mode"`
	PgIsRunning      bool                     `json:"pg_is_running"`
}

// NodeActive reports the keeper's current observation and gets back the
// monitor's current goal assignment.
func (c *MonitorClient) NodeActive(ctx context.Context, nodeID int64, reportedState catalog.NodeState, systemIdentifier int64, lsn catalog.LSN, replicationMode catalog.ReplicationState, pgIsRunning bool) (*catalog.Assignment, error) {
	var assignment catalog.Assignment
	url := fmt.Sprintf("%s/rpc/nodes/%d/active", c.baseURL, nodeID)
	err := postJSON(ctx, url, nodeActiveRequest{
		ReportedState: reportedState, SystemIdentifier: systemIdentifier, LSN: lsn,
		ReplicationMode: replicationMode, PgIsRunning: pgIsRunning,
	}, &assignment)
	return &assignment, err
}

// GetOtherNodes asks the monitor for this node's current replication peers.
func (c *MonitorClient) GetOtherNodes(ctx context.Context, nodeID int64) ([]catalog.Node, error) {
	var nodes []catalog.Node
	url := fmt.Sprintf("%s/rpc/nodes/%d/others", c.baseURL, nodeID)
	err := getJSON(ctx, url, &nodes)
	return nodes, err
}

func postJSON(ctx context.Context, url string, body, out interface{}) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call monitor %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return monitorError(url, resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// monitorError reads the error body the monitor wrote (writeResult puts the
// catalog sentinel's message there verbatim) so callers like isFatal can
// match on it; the body is the only place that text survives the HTTP hop.
func monitorError(url string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := string(bytes.TrimSpace(body))
	if msg == "" {
		return fmt.Errorf("monitor %s returned %d", url, resp.StatusCode)
	}
	return fmt.Errorf("monitor %s returned %d: %s", url, resp.StatusCode, msg)
}

func getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call monitor %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return monitorError(url, resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
