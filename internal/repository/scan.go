package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/edgemesh/coordinator/internal/model"
)

// maxMetricsHistoryPerNode bounds the ring buffer each node's heartbeat
// history is trimmed to on every insert, so the table never grows
// unbounded for a long-lived node.
const maxMetricsHistoryPerNode = 200

func insertMetricsHistoryTx(ctx context.Context, tx *sql.Tx, nodeID string, m model.Metrics, recordedAt time.Time) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO node_metrics_history (node_id, metrics_json, recorded_at) VALUES (?,?,?)`,
		nodeID, string(b), recordedAt,
	); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`DELETE FROM node_metrics_history WHERE node_id = ? AND id NOT IN (
			SELECT id FROM node_metrics_history WHERE node_id = ? ORDER BY id DESC LIMIT ?
		)`, nodeID, nodeID, maxMetricsHistoryPerNode)
	return err
}

// scanner is satisfied by both *sql.Row and *sql.Rows, so node/task decoding
// logic is written once and shared between single-row and multi-row reads.
type scanner interface {
	Scan(dest ...any) error
}

const nodeColumns = `node_id, display_name, ip, port, status, capabilities_json, metrics_json, policy_json, last_seen, created_at, updated_at`

func scanNode(s scanner) (model.Node, error) {
	var n model.Node
	var capsJSON, metricsJSON, policyJSON string
	if err := s.Scan(&n.NodeID, &n.DisplayName, &n.IP, &n.Port, &n.Status, &capsJSON, &metricsJSON, &policyJSON, &n.LastSeen, &n.CreatedAt, &n.UpdatedAt); err != nil {
		return model.Node{}, err
	}
	if err := json.Unmarshal([]byte(capsJSON), &n.Capabilities); err != nil {
		return model.Node{}, err
	}
	if err := json.Unmarshal([]byte(metricsJSON), &n.Metrics); err != nil {
		return model.Node{}, err
	}
	if err := json.Unmarshal([]byte(policyJSON), &n.Policy); err != nil {
		return model.Node{}, err
	}
	return n, nil
}

func getNodeTx(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, nodeID string) (model.Node, bool, error) {
	row := q.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE node_id = ?`, nodeID)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Node{}, false, nil
	}
	if err != nil {
		return model.Node{}, false, err
	}
	return n, true, nil
}

func insertNodeTx(ctx context.Context, tx *sql.Tx, n model.Node) error {
	caps, metrics, pol, err := encodeNodeJSON(n)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO nodes (`+nodeColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		n.NodeID, n.DisplayName, n.IP, n.Port, string(n.Status), caps, metrics, pol, n.LastSeen, n.CreatedAt, n.UpdatedAt,
	)
	return err
}

func updateNodeTx(ctx context.Context, tx *sql.Tx, n model.Node) error {
	caps, metrics, pol, err := encodeNodeJSON(n)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE nodes SET display_name=?, ip=?, port=?, status=?, capabilities_json=?, metrics_json=?, policy_json=?, last_seen=?, updated_at=? WHERE node_id=?`,
		n.DisplayName, n.IP, n.Port, string(n.Status), caps, metrics, pol, n.LastSeen, n.UpdatedAt, n.NodeID,
	)
	return err
}

func encodeNodeJSON(n model.Node) (caps, metrics, pol string, err error) {
	capsBytes, err := json.Marshal(n.Capabilities)
	if err != nil {
		return "", "", "", err
	}
	metricsBytes, err := json.Marshal(n.Metrics)
	if err != nil {
		return "", "", "", err
	}
	polBytes, err := json.Marshal(n.Policy)
	if err != nil {
		return "", "", "", err
	}
	return string(capsBytes), string(metricsBytes), string(polBytes), nil
}

const taskColumns = `id, job_id, type, payload, status, assigned_node_id, retries, max_retries, lease_expires_at, created_at, updated_at, started_at, completed_at, error`

func scanTask(s scanner) (model.Task, error) {
	var t model.Task
	var assignedNode, errText sql.NullString
	var leaseExpires, startedAt, completedAt sql.NullTime
	if err := s.Scan(&t.ID, &t.JobID, &t.Type, &t.Payload, &t.Status, &assignedNode, &t.Retries, &t.MaxRetries, &leaseExpires, &t.CreatedAt, &t.UpdatedAt, &startedAt, &completedAt, &errText); err != nil {
		return model.Task{}, err
	}
	t.AssignedNodeID = assignedNode.String
	t.Error = errText.String
	if leaseExpires.Valid {
		tm := leaseExpires.Time
		t.LeaseExpiresAt = &tm
	}
	if startedAt.Valid {
		tm := startedAt.Time
		t.StartedAt = &tm
	}
	if completedAt.Valid {
		tm := completedAt.Time
		t.CompletedAt = &tm
	}
	return t, nil
}
