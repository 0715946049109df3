// Package journal persists confirmed hedges for offline reconciliation
// and PnL reporting. The journal is optional: a nil Journal is a no-op
// so the engine runs without a database in development.
package journal

import (
	"context"
	"time"

	"github.com/yanun0323/errors"
	"gorm.io/gorm"

	"main/internal/model"
	"main/internal/venue"
	"main/pkg/conn"
)

// HedgeRecord is one confirmed hedge row.
type HedgeRecord struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement"`
	FillKey     string    `gorm:"size:128;uniqueIndex"`
	MakerOrder  string    `gorm:"size:64;index"`
	HedgeOrder  string    `gorm:"size:64"`
	Side        string    `gorm:"size:8"`
	Qty         string    `gorm:"size:32"`
	MakerPrice  string    `gorm:"size:32"`
	HedgePrice  string    `gorm:"size:32"`
	Attempts    int
	ConfirmedAt time.Time `gorm:"index"`
}

func (HedgeRecord) TableName() string {
	return "hedge_journal"
}

// Journal writes hedge records to PostgreSQL.
type Journal struct {
	db *gorm.DB
}

// Open connects and migrates the journal table.
func Open(opt conn.PostgresOption) (*Journal, error) {
	db, err := conn.OpenPostgres(opt)
	if err != nil {
		return nil, errors.Wrap(err, "open journal database")
	}
	if err := db.AutoMigrate(&HedgeRecord{}); err != nil {
		return nil, errors.Wrap(err, "migrate hedge journal")
	}
	return &Journal{db: db}, nil
}

// RecordHedge stores one confirmed hedge. Replays on the same fill key
// are ignored so the journal stays idempotent with the dispatcher.
func (j *Journal) RecordHedge(ctx context.Context, task model.HedgeTask, result venue.HedgeResult) error {
	if j == nil || j.db == nil {
		return nil
	}
	rec := HedgeRecord{
		FillKey:     task.FillKey,
		MakerOrder:  task.OrderID,
		HedgeOrder:  result.OrderID,
		Side:        task.Side.String(),
		Qty:         task.Qty.String(),
		MakerPrice:  task.MakerPrice.String(),
		HedgePrice:  result.AvgPrice.String(),
		Attempts:    task.Attempts,
		ConfirmedAt: time.Now().UTC(),
	}
	err := j.db.WithContext(ctx).
		Where(HedgeRecord{FillKey: task.FillKey}).
		FirstOrCreate(&rec).Error
	if err != nil {
		return errors.Wrapf(err, "insert hedge record for fill %s", task.FillKey)
	}
	return nil
}

// Close releases the connection pool.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return conn.ClosePostgres(j.db)
}
