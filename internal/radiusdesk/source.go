package radiusdesk

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	getMeshesQuery = `SELECT c.name FROM clouds c`

	getNodesQuery = `
SELECT m.name, n.name, n.description, n.mac, n.hardware, n.last_contact_from_ip
FROM nodes n
JOIN meshes m ON n.mesh_id = m.id`

	getAPsQuery = `
SELECT c.name, a.name, a.description, a.mac, a.hardware, a.last_contact_from_ip
FROM aps a
JOIN ap_profiles p ON a.ap_profile_id = p.id
JOIN clouds c ON p.cloud_id = c.id`

	getNodeStationsQuery = `
SELECT n.mac, s.tx_bytes, s.rx_bytes, s.tx_bitrate, s.rx_bitrate,
       s.tx_packets, s.rx_packets, s.tx_failed, s.tx_retries, s.created
FROM node_stations s
JOIN nodes n ON s.node_id = n.id`

	getAPStationsQuery = `
SELECT a.mac, s.tx_bytes, s.rx_bytes, s.tx_bitrate, s.rx_bitrate,
       s.tx_packets, s.rx_packets, s.tx_failed, s.tx_retries, s.created
FROM ap_stations s
JOIN aps a ON s.ap_id = a.id`

	getNodeLoadsQuery = `
SELECT n.mac, l.mem_total, l.mem_free
FROM node_loads l
JOIN nodes n ON l.node_id = n.id`

	getAPLoadsQuery = `
SELECT a.mac, l.mem_total, l.mem_free
FROM ap_loads l
JOIN aps a ON l.ap_id = a.id`

	getUnknownNodesQuery = `
SELECT u.mac, u.from_ip, u.last_contact, u.name
FROM unknown_nodes u`
)

// Node is a mesh node or access point as RadiusDesk knows it.
type Node struct {
	Mesh        string
	Name        string
	IsAP        bool
	Description string
	MAC         string
	Hardware    string
	IP          string
}

// Station is one station sample reported by a node.
type Station struct {
	MAC       string
	TxBytes   sql.NullFloat64
	RxBytes   sql.NullFloat64
	TxRate    sql.NullFloat64
	RxRate    sql.NullFloat64
	TxPackets sql.NullFloat64
	RxPackets sql.NullFloat64
	TxFailed  sql.NullFloat64
	TxRetries sql.NullFloat64
	Created   time.Time
}

// UnknownNode is a node that contacted RadiusDesk without being registered.
type UnknownNode struct {
	MAC         string
	Name        string
	IP          string
	LastContact *time.Time
}

// Load is a node's memory snapshot.
type Load struct {
	MAC      string
	MemTotal float64
	MemFree  float64
}

// Source reads meshes, devices and samples from a RadiusDesk database.
type Source struct {
	db  *sql.DB
	loc *time.Location
}

// NewSource wraps db. RadiusDesk stores wall-clock times without a zone;
// they are read as times in loc.
func NewSource(db *sql.DB, loc *time.Location) *Source {
	if loc == nil {
		loc = time.UTC
	}
	return &Source{db: db, loc: loc}
}

func (s *Source) Close() error {
	return s.db.Close()
}

func (s *Source) Meshes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, getMeshesQuery)
	if err != nil {
		return nil, fmt.Errorf("query meshes: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan mesh: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Nodes returns mesh nodes followed by access points.
func (s *Source) Nodes(ctx context.Context) ([]Node, error) {
	nodes, err := s.nodes(ctx, getNodesQuery, false)
	if err != nil {
		return nil, err
	}
	aps, err := s.nodes(ctx, getAPsQuery, true)
	if err != nil {
		return nil, err
	}
	return append(nodes, aps...), nil
}

func (s *Source) nodes(ctx context.Context, query string, isAP bool) ([]Node, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		var (
			n                   Node
			description, hw, ip sql.NullString
		)
		if err := rows.Scan(&n.Mesh, &n.Name, &description, &n.MAC, &hw, &ip); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		n.IsAP = isAP
		n.Description = description.String
		n.Hardware = hw.String
		n.IP = ip.String
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// Stations returns station samples of nodes and access points created after since.
func (s *Source) Stations(ctx context.Context, since time.Time) ([]Station, error) {
	var out []Station
	for _, query := range []string{getNodeStationsQuery, getAPStationsQuery} {
		rows, err := s.db.QueryContext(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("query stations: %w", err)
		}

		for rows.Next() {
			var st Station
			if err := rows.Scan(&st.MAC, &st.TxBytes, &st.RxBytes, &st.TxRate, &st.RxRate,
				&st.TxPackets, &st.RxPackets, &st.TxFailed, &st.TxRetries, &st.Created); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan station: %w", err)
			}
			st.Created = s.local(st.Created)
			if !since.IsZero() && !st.Created.After(since) {
				continue
			}
			out = append(out, st)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("iterate stations: %w", err)
		}
	}
	return out, nil
}

func (s *Source) Loads(ctx context.Context) ([]Load, error) {
	var out []Load
	for _, query := range []string{getNodeLoadsQuery, getAPLoadsQuery} {
		rows, err := s.db.QueryContext(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("query loads: %w", err)
		}

		for rows.Next() {
			var l Load
			if err := rows.Scan(&l.MAC, &l.MemTotal, &l.MemFree); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan load: %w", err)
			}
			out = append(out, l)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("iterate loads: %w", err)
		}
	}
	return out, nil
}

func (s *Source) UnknownNodes(ctx context.Context) ([]UnknownNode, error) {
	rows, err := s.db.QueryContext(ctx, getUnknownNodesQuery)
	if err != nil {
		return nil, fmt.Errorf("query unknown nodes: %w", err)
	}
	defer rows.Close()

	var out []UnknownNode
	for rows.Next() {
		var (
			n        UnknownNode
			ip, name sql.NullString
			contact  sql.NullTime
		)
		if err := rows.Scan(&n.MAC, &ip, &contact, &name); err != nil {
			return nil, fmt.Errorf("scan unknown node: %w", err)
		}
		n.IP = ip.String
		n.Name = name.String
		if contact.Valid {
			t := s.local(contact.Time)
			n.LastContact = &t
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// local reinterprets the wall clock of t in the source's location.
func (s *Source) local(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), s.loc).UTC()
}
