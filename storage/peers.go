package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

const peerColumns = `
	device_id,
	device_name,
	ed25519_public_key,
	key_fingerprint,
	added_timestamp,
	last_seen_timestamp,
	last_known_address,
	last_known_port`

// UpsertPeer inserts a peer or merges the non-empty fields into the stored
// row. A stored identity key is never replaced; use ReplacePeerKey for that.
func (s *Store) UpsertPeer(peer Peer) error {
	if peer.DeviceID == "" {
		return errors.New("device_id is required")
	}
	if peer.AddedTimestamp == 0 {
		peer.AddedTimestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO peers (`+peerColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			device_name = CASE WHEN excluded.device_name <> '' THEN excluded.device_name ELSE peers.device_name END,
			ed25519_public_key = CASE WHEN peers.ed25519_public_key = '' THEN excluded.ed25519_public_key ELSE peers.ed25519_public_key END,
			key_fingerprint = CASE WHEN peers.key_fingerprint = '' THEN excluded.key_fingerprint ELSE peers.key_fingerprint END,
			last_seen_timestamp = COALESCE(excluded.last_seen_timestamp, peers.last_seen_timestamp),
			last_known_address = COALESCE(excluded.last_known_address, peers.last_known_address),
			last_known_port = COALESCE(excluded.last_known_port, peers.last_known_port)`,
		peer.DeviceID,
		peer.DeviceName,
		peer.Ed25519PublicKey,
		peer.KeyFingerprint,
		peer.AddedTimestamp,
		nullInt64(peer.LastSeenTimestamp),
		nullString(peer.LastKnownAddress),
		nullInt64FromInt(peer.LastKnownPort),
	)
	if err != nil {
		return fmt.Errorf("upsert peer %q: %w", peer.DeviceID, err)
	}
	return nil
}

// ReplacePeerKey overwrites the pinned identity key of a known peer.
func (s *Store) ReplacePeerKey(deviceID, ed25519PublicKey, keyFingerprint string) error {
	if deviceID == "" {
		return errors.New("device_id is required")
	}
	if ed25519PublicKey == "" || keyFingerprint == "" {
		return errors.New("ed25519_public_key and key_fingerprint are required")
	}

	res, err := s.db.Exec(
		`UPDATE peers SET ed25519_public_key = ?, key_fingerprint = ? WHERE device_id = ?`,
		ed25519PublicKey,
		keyFingerprint,
		deviceID,
	)
	if err != nil {
		return fmt.Errorf("replace peer key %q: %w", deviceID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for replace peer key %q: %w", deviceID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetPeer fetches a peer by device ID.
func (s *Store) GetPeer(deviceID string) (*Peer, error) {
	row := s.db.QueryRow(`SELECT `+peerColumns+` FROM peers WHERE device_id = ?`, deviceID)

	peer, err := scanPeer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get peer %q: %w", deviceID, err)
	}
	return peer, nil
}

// PinnedKey returns the identity key stored for deviceID, if any. Its
// signature matches network.KeyLookupFunc.
func (s *Store) PinnedKey(deviceID string) (string, bool) {
	peer, err := s.GetPeer(deviceID)
	if err != nil || peer.Ed25519PublicKey == "" {
		return "", false
	}
	return peer.Ed25519PublicKey, true
}

// ListPeers returns all peers sorted by device name.
func (s *Store) ListPeers() ([]Peer, error) {
	rows, err := s.db.Query(`SELECT ` + peerColumns + ` FROM peers ORDER BY device_name, device_id`)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()

	peers := make([]Peer, 0)
	for rows.Next() {
		peer, err := scanPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan peer row: %w", err)
		}
		peers = append(peers, *peer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peer rows: %w", err)
	}
	return peers, nil
}

// RemovePeer deletes a peer by device ID.
func (s *Store) RemovePeer(deviceID string) error {
	if deviceID == "" {
		return errors.New("device_id is required")
	}

	res, err := s.db.Exec(`DELETE FROM peers WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("remove peer %q: %w", deviceID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for remove peer %q: %w", deviceID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPeer(row scanner) (*Peer, error) {
	var (
		peer          Peer
		lastSeen      sql.NullInt64
		lastAddress   sql.NullString
		lastKnownPort sql.NullInt64
	)

	if err := row.Scan(
		&peer.DeviceID,
		&peer.DeviceName,
		&peer.Ed25519PublicKey,
		&peer.KeyFingerprint,
		&peer.AddedTimestamp,
		&lastSeen,
		&lastAddress,
		&lastKnownPort,
	); err != nil {
		return nil, err
	}

	peer.LastSeenTimestamp = int64Ptr(lastSeen)
	peer.LastKnownAddress = stringPtr(lastAddress)
	peer.LastKnownPort = intPtrFromNullInt64(lastKnownPort)
	return &peer, nil
}
