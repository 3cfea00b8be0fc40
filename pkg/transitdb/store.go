package transitdb

import (
	"context"
	"database/sql"
	"fmt"

	"transit_planner/pkg/transit"
)

// LoadStore reads every stop, walking link and trip and lays them out as a
// transit.Store. Row ids are remapped to dense ids in id order.
func (db *DB) LoadStore(ctx context.Context) (*transit.Store, error) {
	b := transit.NewBuilder()

	stopIDs, err := db.loadStops(ctx, b)
	if err != nil {
		return nil, err
	}
	if err := db.loadWalks(ctx, b, stopIDs); err != nil {
		return nil, err
	}
	trips, err := db.loadTrips(ctx, stopIDs)
	if err != nil {
		return nil, err
	}
	for _, t := range trips {
		b.AddTrip(*t)
	}

	s, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("build store: %w", err)
	}
	return s, nil
}

func (db *DB) loadStops(ctx context.Context, b *transit.Builder) (map[int64]uint32, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, code, name, zone, COALESCE(cluster, -1), lat, lon FROM stop ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query stops: %w", err)
	}
	defer rows.Close()

	ids := make(map[int64]uint32)
	for rows.Next() {
		var (
			id int64
			s  transit.StopInfo
		)
		if err := rows.Scan(&id, &s.Code, &s.Name, &s.Zone, &s.Cluster, &s.Lat, &s.Lon); err != nil {
			return nil, fmt.Errorf("failed to scan stop: %w", err)
		}
		ids[id] = b.AddStop(s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read stops: %w", err)
	}
	return ids, nil
}

func (db *DB) loadWalks(ctx context.Context, b *transit.Builder, stopIDs map[int64]uint32) error {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT from_stop, to_stop, distance FROM stop_walk ORDER BY from_stop, to_stop`)
	if err != nil {
		return fmt.Errorf("failed to query walks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			from, to int64
			meters   float64
		)
		if err := rows.Scan(&from, &to, &meters); err != nil {
			return fmt.Errorf("failed to scan walk: %w", err)
		}
		a, ok1 := stopIDs[from]
		c, ok2 := stopIDs[to]
		if !ok1 || !ok2 {
			return fmt.Errorf("%w: walk %d-%d references unknown stop", transit.ErrCorrupt, from, to)
		}
		b.AddWalk(a, c, float32(meters))
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read walks: %w", err)
	}
	return nil
}

func (db *DB) loadTrips(ctx context.Context, stopIDs map[int64]uint32) ([]*transit.TripInfo, error) {
	var trips []*transit.TripInfo
	byID := make(map[int64]*transit.TripInfo)

	err := db.each(ctx, `SELECT id, route, COALESCE(shape, -1), headsign FROM trip ORDER BY id`,
		func(rows *sql.Rows) error {
			var (
				id int64
				t  transit.TripInfo
			)
			if err := rows.Scan(&id, &t.Route, &t.Shape, &t.Headsign); err != nil {
				return err
			}
			trips = append(trips, &t)
			byID[id] = &t
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("read trips: %w", err)
	}

	err = db.each(ctx, `SELECT trip_id, stop_id, arrival, departure FROM trip_stop ORDER BY trip_id, seq`,
		func(rows *sql.Rows) error {
			var (
				tripID, stopID int64
				ts             transit.TripStop
			)
			if err := rows.Scan(&tripID, &stopID, &ts.Arrival, &ts.Departure); err != nil {
				return err
			}
			t, ok := byID[tripID]
			if !ok {
				return fmt.Errorf("%w: call of unknown trip %d", transit.ErrCorrupt, tripID)
			}
			stop, ok := stopIDs[stopID]
			if !ok {
				return fmt.Errorf("%w: trip %d calls at unknown stop %d", transit.ErrCorrupt, tripID, stopID)
			}
			ts.Stop = stop
			t.Stops = append(t.Stops, ts)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("read trip stops: %w", err)
	}

	type ref struct {
		trip *transit.TripInfo
		idx  int
	}
	instances := make(map[int64]ref)
	err = db.each(ctx, `SELECT id, trip_id FROM trip_instance ORDER BY trip_id, id`,
		func(rows *sql.Rows) error {
			var id, tripID int64
			if err := rows.Scan(&id, &tripID); err != nil {
				return err
			}
			t, ok := byID[tripID]
			if !ok {
				return fmt.Errorf("%w: instance %d of unknown trip %d", transit.ErrCorrupt, id, tripID)
			}
			t.Instances = append(t.Instances, transit.Instance{})
			instances[id] = ref{trip: t, idx: len(t.Instances) - 1}
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("read trip instances: %w", err)
	}

	err = db.each(ctx, `SELECT instance_id, service_id FROM trip_instance_service`,
		func(rows *sql.Rows) error {
			var (
				id      int64
				service int32
			)
			if err := rows.Scan(&id, &service); err != nil {
				return err
			}
			r, ok := instances[id]
			if !ok {
				return fmt.Errorf("%w: service of unknown instance %d", transit.ErrCorrupt, id)
			}
			inst := &r.trip.Instances[r.idx]
			inst.Services = append(inst.Services, service)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("read instance services: %w", err)
	}

	err = db.each(ctx, `SELECT instance_id, start_time FROM trip_instance_start`,
		func(rows *sql.Rows) error {
			var (
				id    int64
				start int32
			)
			if err := rows.Scan(&id, &start); err != nil {
				return err
			}
			r, ok := instances[id]
			if !ok {
				return fmt.Errorf("%w: start of unknown instance %d", transit.ErrCorrupt, id)
			}
			inst := &r.trip.Instances[r.idx]
			inst.Starts = append(inst.Starts, start)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("read instance starts: %w", err)
	}
	return trips, nil
}

func (db *DB) each(ctx context.Context, query string, fn func(*sql.Rows) error) error {
	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

// SaveStore replaces the network tables with the contents of s. Stop, trip
// and instance ids are the store's dense ids.
func (db *DB) SaveStore(ctx context.Context, s *transit.Store) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"trip_instance_start", "trip_instance_service", "trip_instance", "trip_stop", "trip", "stop_walk", "stop"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	if err := db.saveStops(ctx, tx, &s.Stops); err != nil {
		return err
	}
	if err := db.saveTrips(ctx, tx, &s.Trips); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (db *DB) saveStops(ctx context.Context, tx *sql.Tx, st *transit.Stops) error {
	stopStmt, err := tx.PrepareContext(ctx, db.rebind(
		`INSERT INTO stop (id, code, name, zone, cluster, lat, lon) VALUES (?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("failed to prepare stop insert: %w", err)
	}
	defer stopStmt.Close()
	walkStmt, err := tx.PrepareContext(ctx, db.rebind(
		`INSERT INTO stop_walk (from_stop, to_stop, distance) VALUES (?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("failed to prepare walk insert: %w", err)
	}
	defer walkStmt.Close()

	for i := range st.Len() {
		var cluster any
		if st.Clusters[i] >= 0 {
			cluster = st.Clusters[i]
		}
		if _, err := stopStmt.ExecContext(ctx, i, st.Codes[i], st.Names[i], st.Zones[i], cluster, st.Lats[i], st.Lons[i]); err != nil {
			return fmt.Errorf("failed to insert stop %d: %w", i, err)
		}
	}
	for i := range uint32(st.Len()) {
		r := st.Walks(i)
		for e := r.Begin; e < r.End; e++ {
			if to := st.WalkTo[e]; i < to {
				if _, err := walkStmt.ExecContext(ctx, i, to, float64(st.WalkDistance[e])); err != nil {
					return fmt.Errorf("failed to insert walk %d-%d: %w", i, to, err)
				}
			}
		}
	}
	return nil
}

func (db *DB) saveTrips(ctx context.Context, tx *sql.Tx, tr *transit.Trips) error {
	stmts := make(map[string]*sql.Stmt)
	for name, q := range map[string]string{
		"trip":     `INSERT INTO trip (id, route, shape, headsign) VALUES (?, ?, ?, ?)`,
		"stop":     `INSERT INTO trip_stop (trip_id, seq, stop_id, arrival, departure) VALUES (?, ?, ?, ?, ?)`,
		"instance": `INSERT INTO trip_instance (id, trip_id) VALUES (?, ?)`,
		"service":  `INSERT INTO trip_instance_service (instance_id, service_id) VALUES (?, ?)`,
		"start":    `INSERT INTO trip_instance_start (instance_id, start_time) VALUES (?, ?)`,
	} {
		stmt, err := tx.PrepareContext(ctx, db.rebind(q))
		if err != nil {
			return fmt.Errorf("failed to prepare %s insert: %w", name, err)
		}
		defer stmt.Close()
		stmts[name] = stmt
	}

	for id := range uint32(tr.Len()) {
		var shape any
		if tr.Shapes[id] >= 0 {
			shape = tr.Shapes[id]
		}
		if _, err := stmts["trip"].ExecContext(ctx, id, tr.Routes[id], shape, tr.Headsigns[id]); err != nil {
			return fmt.Errorf("failed to insert trip %d: %w", id, err)
		}
		r := tr.Stops(id)
		for seq, e := 0, r.Begin; e < r.End; seq, e = seq+1, e+1 {
			if _, err := stmts["stop"].ExecContext(ctx, id, seq, tr.StopID[e], tr.Arrival[e], tr.Departure[e]); err != nil {
				return fmt.Errorf("failed to insert call %d of trip %d: %w", seq, id, err)
			}
		}
		ir := tr.Instances(id)
		for inst := ir.Begin; inst < ir.End; inst++ {
			if _, err := stmts["instance"].ExecContext(ctx, inst, id); err != nil {
				return fmt.Errorf("failed to insert instance %d: %w", inst, err)
			}
			for _, svc := range tr.InstanceServices(inst) {
				if _, err := stmts["service"].ExecContext(ctx, inst, svc); err != nil {
					return fmt.Errorf("failed to insert service of instance %d: %w", inst, err)
				}
			}
			for _, start := range tr.InstanceStarts(inst) {
				if _, err := stmts["start"].ExecContext(ctx, inst, start); err != nil {
					return fmt.Errorf("failed to insert start of instance %d: %w", inst, err)
				}
			}
		}
	}
	return nil
}
