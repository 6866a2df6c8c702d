package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

var writeErrors = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "hm",
		Name:      "DatabaseWriteErrors",
		Help:      "Failed database writes",
	})

func init() {
	prometheus.MustRegister(writeErrors)
}

type PeerRecord struct {
	ID      uint64
	Family  string
	Address int32
	Serial  string
	TypeID  uint16
}

type ParameterRecord struct {
	ID            uint64
	PeerID        uint64
	ParamsetType  int
	Channel       byte
	RemoteAddress int32
	RemoteChannel byte
	Name          string
	Value         []byte
}

type Variable struct {
	Index  int
	Int    int64
	String string
	Binary []byte
}

// Store persists the state of a central. Write methods return the row
// id, or 0 if the write failed (the error is logged).
type Store struct {
	db *DB
}

func NewStore(db *DB) *Store {
	return &Store{db: db}
}

func writeFailed(err error, fields log.Fields) uint64 {
	writeErrors.Inc()
	log.WithFields(fields).Errorf("database write failed: %v", err)
	return 0
}

// SavePeer inserts or updates the peer identified by family and serial.
func (s *Store) SavePeer(ctx context.Context, p PeerRecord) uint64 {
	var id uint64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO peers (family, address, serial, type_id) VALUES (?, ?, ?, ?)
		ON CONFLICT (family, serial) DO UPDATE SET
			address = excluded.address,
			type_id = excluded.type_id
		RETURNING id`,
		p.Family, p.Address, p.Serial, p.TypeID).Scan(&id)
	if err != nil {
		return writeFailed(err, log.Fields{"serial": p.Serial})
	}
	return id
}

// DeletePeer removes the peer, its parameters and its variables.
func (s *Store) DeletePeer(ctx context.Context, family string, id uint64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM variables WHERE family = ? AND peer_id = ?", family, id); err != nil {
		return fmt.Errorf("deleting variables of peer %d: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM peers WHERE id = ?", id); err != nil {
		return fmt.Errorf("deleting peer %d: %w", id, err)
	}
	return tx.Commit()
}

func (s *Store) Peers(ctx context.Context, family string) ([]PeerRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, family, address, serial, type_id FROM peers WHERE family = ? ORDER BY id",
		family)
	if err != nil {
		return nil, fmt.Errorf("querying peers: %w", err)
	}
	defer rows.Close()
	var peers []PeerRecord
	for rows.Next() {
		var p PeerRecord
		if err := rows.Scan(&p.ID, &p.Family, &p.Address, &p.Serial, &p.TypeID); err != nil {
			return nil, fmt.Errorf("scanning peer row: %w", err)
		}
		peers = append(peers, p)
	}
	return peers, rows.Err()
}

func (s *Store) SaveParameter(ctx context.Context, p ParameterRecord) uint64 {
	var id uint64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO parameters (peer_id, paramset_type, channel, remote_address, remote_channel, name, value)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (peer_id, paramset_type, channel, remote_address, remote_channel, name)
		DO UPDATE SET value = excluded.value
		RETURNING id`,
		p.PeerID, p.ParamsetType, p.Channel, p.RemoteAddress, p.RemoteChannel, p.Name, p.Value).Scan(&id)
	if err != nil {
		return writeFailed(err, log.Fields{"peer": p.PeerID, "parameter": p.Name})
	}
	return id
}

func (s *Store) Parameters(ctx context.Context, peerID uint64) ([]ParameterRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, peer_id, paramset_type, channel, remote_address, remote_channel, name, value
		FROM parameters WHERE peer_id = ? ORDER BY id`, peerID)
	if err != nil {
		return nil, fmt.Errorf("querying parameters: %w", err)
	}
	defer rows.Close()
	var params []ParameterRecord
	for rows.Next() {
		var p ParameterRecord
		if err := rows.Scan(&p.ID, &p.PeerID, &p.ParamsetType, &p.Channel, &p.RemoteAddress, &p.RemoteChannel, &p.Name, &p.Value); err != nil {
			return nil, fmt.Errorf("scanning parameter row: %w", err)
		}
		params = append(params, p)
	}
	return params, rows.Err()
}

// SaveVariable stores v for peerID, or for the central if peerID is 0.
func (s *Store) SaveVariable(ctx context.Context, family string, peerID uint64, v Variable) uint64 {
	var id uint64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO variables (family, peer_id, idx, int_value, string_value, binary_value)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (family, peer_id, idx) DO UPDATE SET
			int_value = excluded.int_value,
			string_value = excluded.string_value,
			binary_value = excluded.binary_value
		RETURNING id`,
		family, peerID, v.Index, v.Int, v.String, v.Binary).Scan(&id)
	if err != nil {
		return writeFailed(err, log.Fields{"peer": peerID, "variable": v.Index})
	}
	return id
}

func (s *Store) Variables(ctx context.Context, family string, peerID uint64) (map[int]Variable, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT idx, int_value, string_value, binary_value
		FROM variables WHERE family = ? AND peer_id = ?`, family, peerID)
	if err != nil {
		return nil, fmt.Errorf("querying variables: %w", err)
	}
	defer rows.Close()
	vars := make(map[int]Variable)
	for rows.Next() {
		var v Variable
		if err := rows.Scan(&v.Index, &v.Int, &v.String, &v.Binary); err != nil {
			return nil, fmt.Errorf("scanning variable row: %w", err)
		}
		vars[v.Index] = v
	}
	return vars, rows.Err()
}

// Variable returns a single variable.
func (s *Store) Variable(ctx context.Context, family string, peerID uint64, index int) (Variable, bool, error) {
	v := Variable{Index: index}
	err := s.db.QueryRowContext(ctx, `
		SELECT int_value, string_value, binary_value
		FROM variables WHERE family = ? AND peer_id = ? AND idx = ?`,
		family, peerID, index).Scan(&v.Int, &v.String, &v.Binary)
	if errors.Is(err, sql.ErrNoRows) {
		return v, false, nil
	}
	if err != nil {
		return v, false, fmt.Errorf("querying variable %d: %w", index, err)
	}
	return v, true, nil
}
