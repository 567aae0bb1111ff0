package queries

import (
	"context"
	"fmt"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
)

// SimpleTriggerRow is one stored trigger installation, still serialized.
type SimpleTriggerRow struct {
	ParentTriggerID uuid.UUID
	SimpleTriggerID uuid.UUID
	TriggerData     []byte
	TriggerTarget   []byte
}

// FetchSimpleTriggers lists the triggers installed on one object.
func (r *RealmQueries) FetchSimpleTriggers(ctx context.Context, objectID uuid.UUID, objectType int) ([]SimpleTriggerRow, error) {
	stmt := fmt.Sprintf(`SELECT parent_trigger_id, simple_trigger_id, trigger_data, trigger_target FROM %s.simple_triggers WHERE object_id=? AND object_type=?`, r.keyspace)
	iter := r.session.Query(stmt, gocql.UUID(objectID), objectType).
		WithContext(ctx).
		Consistency(gocql.Quorum).
		Iter()

	var rows []SimpleTriggerRow
	var (
		parentID gocql.UUID
		simpleID gocql.UUID
		data     []byte
		target   []byte
	)
	for iter.Scan(&parentID, &simpleID, &data, &target) {
		rows = append(rows, SimpleTriggerRow{
			ParentTriggerID: uuid.UUID(parentID),
			SimpleTriggerID: uuid.UUID(simpleID),
			TriggerData:     append([]byte(nil), data...),
			TriggerTarget:   append([]byte(nil), target...),
		})
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to fetch simple triggers for %s/%d: %w", objectID, objectType, err)
	}
	return rows, nil
}
