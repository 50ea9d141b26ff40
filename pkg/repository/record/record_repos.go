//nolint:whitespace //can't make both the linter and editor happy :(
package record

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/mpapenbr/zenride/pkg/model"
	"github.com/mpapenbr/zenride/pkg/repository"
	"github.com/mpapenbr/zenride/pkg/session"
)

// Repository stores drive records in postgres. Sessions live in their own
// table with the session payload kept as jsonb.
type Repository struct {
	db repository.TxBeginner
}

var _ session.Repository = (*Repository)(nil)

func NewRepository(db repository.TxBeginner) *Repository {
	return &Repository{db: db}
}

func (r *Repository) LoadAll(ctx context.Context) ([]*model.DriveRecord, error) {
	return LoadAll(ctx, r.db)
}

// SaveRecord replaces the record together with all of its sessions.
func (r *Repository) SaveRecord(ctx context.Context, rec *model.DriveRecord) error {
	return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		if err := Upsert(ctx, tx, rec); err != nil {
			return err
		}
		if _, err := DeleteSessions(ctx, tx, rec.ID); err != nil {
			return err
		}
		for i := range rec.Sessions {
			if err := CreateSession(ctx, tx, rec.ID, &rec.Sessions[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Repository) DeleteRecord(ctx context.Context, id uuid.UUID) error {
	_, err := DeleteByID(ctx, r.db, id)
	return err
}

func Upsert(ctx context.Context, conn repository.Querier, rec *model.DriveRecord) error {
	var lastDriven any
	if !rec.LastDriven.IsZero() {
		lastDriven = rec.LastDriven
	}
	_, err := conn.Exec(ctx, `
insert into drive_record
	(id, fingerprint, name, origin_lat, origin_lon, dest_lat, dest_lon, bookmarked, last_driven)
values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
on conflict (id) do update set
	name=excluded.name, bookmarked=excluded.bookmarked, last_driven=excluded.last_driven`,
		rec.ID, rec.Fingerprint, rec.Name,
		rec.Origin.Latitude, rec.Origin.Longitude,
		rec.Destination.Latitude, rec.Destination.Longitude,
		rec.Bookmarked, lastDriven)
	if err != nil {
		return fmt.Errorf("upsert record %s: %w", rec.Fingerprint, err)
	}
	return nil
}

func CreateSession(
	ctx context.Context,
	conn repository.Querier,
	recordID uuid.UUID,
	s *model.DriveSession,
) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	_, err = conn.Exec(ctx,
		"insert into drive_session (id, record_id, session_date, data) values ($1,$2,$3,$4)",
		s.ID, recordID, s.Date, data)
	return err
}

// deletes all sessions of a record, returns number of rows deleted.
func DeleteSessions(ctx context.Context, conn repository.Querier, recordID uuid.UUID) (int, error) {
	cmdTag, err := conn.Exec(ctx, "delete from drive_session where record_id=$1", recordID)
	if err != nil {
		return 0, err
	}
	return int(cmdTag.RowsAffected()), nil
}

// deletes a record and (by cascade) its sessions, returns number of records deleted.
func DeleteByID(ctx context.Context, conn repository.Querier, id uuid.UUID) (int, error) {
	cmdTag, err := conn.Exec(ctx, "delete from drive_record where id=$1", id)
	if err != nil {
		return 0, err
	}
	return int(cmdTag.RowsAffected()), nil
}

func LoadByFingerprint(
	ctx context.Context,
	conn repository.Querier,
	fingerprint string,
) (*model.DriveRecord, error) {
	row := conn.QueryRow(ctx,
		fmt.Sprintf("%s where fingerprint=$1", selector), fingerprint)
	var item model.DriveRecord
	if err := scan(&item, row); err != nil {
		return nil, err
	}
	sessions, err := loadSessions(ctx, conn, item.ID)
	if err != nil {
		return nil, err
	}
	item.Sessions = sessions
	item.RecomputeAggregates()
	return &item, nil
}

// LoadAll reads all records including their sessions (newest first).
// Aggregates are recomputed from the sessions.
func LoadAll(ctx context.Context, conn repository.Querier) ([]*model.DriveRecord, error) {
	rows, err := conn.Query(ctx, selector)
	if err != nil {
		return nil, err
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*model.DriveRecord, error) {
		var item model.DriveRecord
		err := scan(&item, row)
		return &item, err
	})
	if err != nil {
		return nil, err
	}
	byID := make(map[uuid.UUID]*model.DriveRecord, len(records))
	for _, rec := range records {
		byID[rec.ID] = rec
	}

	rows, err = conn.Query(ctx,
		"select record_id, data from drive_session order by record_id, session_date desc")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var recordID uuid.UUID
		var data []byte
		if err := rows.Scan(&recordID, &data); err != nil {
			return nil, err
		}
		rec, ok := byID[recordID]
		if !ok {
			continue
		}
		var s model.DriveSession
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("decode session of %s: %w", rec.Fingerprint, err)
		}
		rec.Sessions = append(rec.Sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, rec := range records {
		rec.RecomputeAggregates()
	}
	return records, nil
}

func loadSessions(
	ctx context.Context,
	conn repository.Querier,
	recordID uuid.UUID,
) ([]model.DriveSession, error) {
	rows, err := conn.Query(ctx,
		"select data from drive_session where record_id=$1 order by session_date desc",
		recordID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.DriveSession, error) {
		var data []byte
		var s model.DriveSession
		if err := row.Scan(&data); err != nil {
			return s, err
		}
		err := json.Unmarshal(data, &s)
		return s, err
	})
}

// little helper
const selector = string(`select id,fingerprint,name,origin_lat,origin_lon,dest_lat,dest_lon,
bookmarked from drive_record`)

func scan(e *model.DriveRecord, row pgx.Row) error {
	return row.Scan(&e.ID, &e.Fingerprint, &e.Name,
		&e.Origin.Latitude, &e.Origin.Longitude,
		&e.Destination.Latitude, &e.Destination.Longitude,
		&e.Bookmarked)
}
