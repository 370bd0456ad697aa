package database

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"gorm.io/driver/sqlserver"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jaliph/wa-relay/models"
	"github.com/jaliph/wa-relay/utils"
)

// GormDB is the MSSQL delivery archive
type GormDB struct {
	db *gorm.DB
}

// MSSQLDSN builds the sqlserver connection string
func MSSQLDSN(server, database, username, password string) string {
	u := &url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(username, password),
		Host:     server,
		RawQuery: url.Values{"database": {database}}.Encode(),
	}
	return u.String()
}

// NewGormDB connects to MSSQL and migrates the archive table
func NewGormDB(server, database, username, password string) (*GormDB, error) {
	db, err := gorm.Open(sqlserver.Open(MSSQLDSN(server, database, username, password)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MSSQL: %w", err)
	}

	gormDB := &GormDB{db: db}
	if err := gormDB.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate archive: %w", err)
	}

	utils.Logger.Info("MSSQL archive connected", "component", "database", "server", server, "database", database)
	return gormDB, nil
}

func (gdb *GormDB) migrate() error {
	return gdb.db.AutoMigrate(&models.Delivery{})
}

// StoreDelivery archives one delivery
func (gdb *GormDB) StoreDelivery(ctx context.Context, delivery *models.Delivery) error {
	if err := gdb.db.WithContext(ctx).Create(delivery).Error; err != nil {
		return fmt.Errorf("failed to store delivery: %w", err)
	}
	return nil
}

// GetDeliveryStats counts archived deliveries by outcome
func (gdb *GormDB) GetDeliveryStats(ctx context.Context) (*models.DeliveryStats, error) {
	var stats models.DeliveryStats
	db := gdb.db.WithContext(ctx).Model(&models.Delivery{})

	if err := db.Count(&stats.Total).Error; err != nil {
		return nil, fmt.Errorf("failed to count deliveries: %w", err)
	}

	counts := []struct {
		status string
		dst    *int64
	}{
		{models.DeliveryDelivered, &stats.Delivered},
		{models.DeliveryFailed, &stats.Failed},
		{models.DeliveryMediaLost, &stats.MediaLost},
	}
	for _, c := range counts {
		err := gdb.db.WithContext(ctx).Model(&models.Delivery{}).Where("status = ?", c.status).Count(c.dst).Error
		if err != nil {
			return nil, fmt.Errorf("failed to count %s deliveries: %w", c.status, err)
		}
	}

	now := time.Now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	err := gdb.db.WithContext(ctx).Model(&models.Delivery{}).
		Where("status = ? AND created_at >= ?", models.DeliveryDelivered, today).
		Count(&stats.DeliveredToday).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count today's deliveries: %w", err)
	}

	return &stats, nil
}

// Close closes the database connection
func (gdb *GormDB) Close() error {
	sqlDB, err := gdb.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
