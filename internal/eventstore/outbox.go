package eventstore

import (
	"context"
	"fmt"
	"strings"
)

// deleteChunkSize caps ids per DELETE statement; SQLite limits bound
// parameters per statement.
const deleteChunkSize = 500

// OutboxRow is one pending delivery, payload decompressed.
type OutboxRow struct {
	ID           int64
	AggregateID  string
	EventType    string
	EventVersion int64
	RequestID    string
	BlockHeight  int64
	Payload      []byte
	Timestamp    int64
	ULen         int64
}

// HasBacklogBefore reports whether undelivered rows exist older than the
// given timestamp and id.
func (s *Store) HasBacklogBefore(ctx context.Context, timestamp, id int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM outbox WHERE timestamp < ? AND id < ?)`,
		timestamp, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check backlog: %w", err)
	}
	return n != 0, nil
}

// HasAnyPendingAfterWatermark reports whether rows exist above the given
// watermark id.
func (s *Store) HasAnyPendingAfterWatermark(ctx context.Context, lastSeenID int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM outbox WHERE id > ?)`, lastSeenID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check pending: %w", err)
	}
	return n != 0, nil
}

// FetchDeliverAckChunk selects the next chunk of outbox rows above afterID
// in ascending id order, stopping once cumulative uncompressed payload
// would exceed budgetBytes (a non-empty backlog always yields at least one
// row). It hands the chunk to publish; on success the rows are deleted and
// their ids returned. On publish failure nothing is deleted and the error
// propagates.
func (s *Store) FetchDeliverAckChunk(ctx context.Context, afterID, budgetBytes int64, publish func([]*OutboxRow) error) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, aggregateId, eventType, eventVersion, requestId, blockHeight, payload, isCompressed, timestamp, ulen
		 FROM outbox WHERE id > ? ORDER BY id ASC`, afterID)
	if err != nil {
		return nil, fmt.Errorf("fetch outbox chunk: %w", err)
	}

	var chunk []*OutboxRow
	var total int64
	for rows.Next() {
		r := &OutboxRow{}
		var compressed int
		var data []byte
		if err := rows.Scan(&r.ID, &r.AggregateID, &r.EventType, &r.EventVersion, &r.RequestID,
			&r.BlockHeight, &data, &compressed, &r.Timestamp, &r.ULen); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		if len(chunk) > 0 && total+r.ULen > budgetBytes {
			break
		}
		payload, err := decodePayload(data, compressed != 0)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("outbox row %d: %w", r.ID, err)
		}
		r.Payload = payload
		chunk = append(chunk, r)
		total += r.ULen
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox rows: %w", err)
	}
	if len(chunk) == 0 {
		return nil, nil
	}

	if err := publish(chunk); err != nil {
		return nil, fmt.Errorf("publish outbox chunk: %w", err)
	}

	ids := make([]int64, len(chunk))
	for i, r := range chunk {
		ids[i] = r.ID
	}
	if err := s.DeleteOutboxByIDs(ctx, ids); err != nil {
		return nil, err
	}
	s.logger.Debug().
		Int("rows", len(ids)).
		Int64("first_id", ids[0]).
		Int64("last_id", ids[len(ids)-1]).
		Msg("delivered outbox chunk")
	return ids, nil
}

// DeleteOutboxByIDs deletes the given rows in one transaction, chunking
// ids across statements.
func (s *Store) DeleteOutboxByIDs(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin outbox delete tx: %w", err)
	}
	defer tx.Rollback()

	for start := 0; start < len(ids); start += deleteChunkSize {
		end := start + deleteChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		part := ids[start:end]

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(part)), ",")
		args := make([]interface{}, len(part))
		for i, id := range part {
			args[i] = id
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM outbox WHERE id IN (`+placeholders+`)`, args...); err != nil {
			return fmt.Errorf("delete outbox ids: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit outbox delete: %w", err)
	}
	return nil
}
