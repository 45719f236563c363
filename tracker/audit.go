package tracker

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-test/deep"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	OpCreate = "CREATE"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// Auditable entities can be written through Create, Update and SoftDelete.
type Auditable interface {
	AuditKey() string
}

// ErrNoRows is returned by the audited writes when nothing matched.
var ErrNoRows = errors.New("no rows affected")

// Fields ignored by the audit log.
var untrackedFields = []string{"created_at", "updated_at", "deleted_at"}

// Create inserts v and records its snapshot.
func Create(tx *gorm.DB, v Auditable) error {
	tx = tx.Session(&gorm.Session{})
	err := tx.Create(v).Error
	if err != nil {
		return fmt.Errorf("could not create %s: %w", tableOf(tx, v), err)
	}
	return AppendAudit(tx, OpCreate, v, nil, v)
}

// Update applies changes to the row identified by v's primary key, reloads
// v and records the before/after snapshots.
func Update(tx *gorm.DB, v Auditable, changes map[string]any) error {
	tx = tx.Session(&gorm.Session{})
	before, err := snapshot(v)
	if err != nil {
		return err
	}

	result := tx.Model(v).Updates(changes)
	if result.Error != nil {
		return fmt.Errorf("could not update %s: %w", tableOf(tx, v), result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNoRows
	}

	err = tx.Unscoped().Take(v).Error
	if err != nil {
		return fmt.Errorf("could not reload %s: %w", tableOf(tx, v), err)
	}

	after, err := snapshot(v)
	if err != nil {
		return err
	}
	return appendAudit(tx, OpUpdate, tableOf(tx, v), v.AuditKey(), before, after)
}

// SoftDelete sets deleted_at on v and records the previous snapshot.
func SoftDelete(tx *gorm.DB, v Auditable) error {
	tx = tx.Session(&gorm.Session{})
	before, err := snapshot(v)
	if err != nil {
		return err
	}

	result := tx.Delete(v)
	if result.Error != nil {
		return fmt.Errorf("could not delete %s: %w", tableOf(tx, v), result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNoRows
	}

	return appendAudit(tx, OpDelete, tableOf(tx, v), v.AuditKey(), before, nil)
}

// AppendAudit records a change made outside of Create, Update and
// SoftDelete. Either side may be nil.
func AppendAudit(tx *gorm.DB, op string, v Auditable, before, after any) error {
	tx = tx.Session(&gorm.Session{})
	var beforeMap, afterMap map[string]any
	var err error
	if before != nil {
		beforeMap, err = snapshot(before)
		if err != nil {
			return err
		}
	}
	if after != nil {
		afterMap, err = snapshot(after)
		if err != nil {
			return err
		}
	}
	return appendAudit(tx, op, tableOf(tx, v), v.AuditKey(), beforeMap, afterMap)
}

func appendAudit(tx *gorm.DB, op, table, key string, before, after map[string]any) error {
	entry := AuditLog{
		TableName: table,
		Operation: op,
		Key:       key,
		Changes:   changeList(before, after),
	}

	var err error
	if before != nil {
		entry.Before, err = json.Marshal(before)
		if err != nil {
			return fmt.Errorf("could not encode audit snapshot: %w", err)
		}
	}
	if after != nil {
		entry.After, err = json.Marshal(after)
		if err != nil {
			return fmt.Errorf("could not encode audit snapshot: %w", err)
		}
	}

	err = tx.Create(&entry).Error
	if err != nil {
		return fmt.Errorf("could not write audit log: %w", err)
	}
	return nil
}

func snapshot(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("could not snapshot %T: %w", v, err)
	}
	fields := map[string]any{}
	err = json.Unmarshal(data, &fields)
	if err != nil {
		return nil, fmt.Errorf("could not snapshot %T: %w", v, err)
	}
	for _, name := range untrackedFields {
		delete(fields, name)
	}
	return fields, nil
}

func changeList(before, after map[string]any) datatypes.JSONSlice[string] {
	switch {
	case before == nil && after == nil:
		return nil
	case before == nil:
		return datatypes.JSONSlice[string]{"created"}
	case after == nil:
		return datatypes.JSONSlice[string]{"deleted"}
	}
	return datatypes.JSONSlice[string](deep.Equal(before, after))
}

func tableOf(tx *gorm.DB, v any) string {
	stmt := &gorm.Statement{DB: tx}
	if err := stmt.Parse(v); err != nil {
		return fmt.Sprintf("%T", v)
	}
	return stmt.Schema.Table
}
