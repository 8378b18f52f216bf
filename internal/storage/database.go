package storage

import (
	"fmt"
	"math"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"hoymiles-bridge/internal/bridge"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(path string) (*Database, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Auto-migrate the schema
	if err := db.AutoMigrate(&AggregateReading{}, &SourceReading{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Database{db: db}, nil
}

// PublishSnapshot stores one observer cycle. Implements bridge.SnapshotSink.
func (d *Database) PublishSnapshot(snap *bridge.Snapshot) error {
	agg := snap.Aggregate
	maxTemp := agg.MaxTempC
	if math.IsNaN(maxTemp) {
		maxTemp = 0
	}

	reading := &AggregateReading{
		Timestamp:     snap.Timestamp,
		PowerW:        agg.PowerW,
		CurrentA:      agg.CurrentA,
		VoltageV:      agg.VoltageV,
		FrequencyHz:   agg.FrequencyHz,
		EnergyKWh:     agg.EnergyKWh,
		PhaseAPowerW:  agg.PhasePowerW[0],
		PhaseBPowerW:  agg.PhasePowerW[1],
		PhaseCPowerW:  agg.PhasePowerW[2],
		DCPowerW:      agg.DCPowerW,
		MaxTempC:      maxTemp,
		ValidSources:  agg.ValidSources,
		Producing:     agg.Producing,
		State:         agg.State,
		PowerLimitPct: snap.PowerLimitPct,
		PowerLimitOn:  snap.PowerLimitOn,
		TCPClients:    snap.TCP.ActiveClients,
		TCPRequests:   snap.TCP.RequestCount,
		TCPErrors:     snap.TCP.ErrorCount,
	}
	if err := d.db.Create(reading).Error; err != nil {
		return err
	}

	for _, src := range snap.Sources {
		row := &SourceReading{
			Timestamp:    snap.Timestamp,
			SourceIndex:  src.Index,
			Name:         src.Name,
			ModelName:    src.Model,
			Serial:       src.Serial,
			PortNumber:   src.PortNumber,
			PowerW:       src.PowerW,
			VoltageV:     src.VoltageV,
			CurrentA:     src.CurrentA,
			FrequencyHz:  src.FrequencyHz,
			EnergyKWh:    src.EnergyKWh,
			TodayWh:      src.TodayWh,
			TemperatureC: src.TemperatureC,
			PVVoltageV:   src.PVVoltageV,
			PVCurrentA:   src.PVCurrentA,
			PVPowerW:     src.PVPowerW,
			AlarmCode:    src.AlarmCode,
			Producing:    src.Producing,
			Online:       src.Online,
			PollSuccess:  src.Stats.PollSuccess,
			PollFail:     src.Stats.PollFail,
			PollTimeout:  src.Stats.PollTimeout,
			CRCError:     src.Stats.CRCError,
		}
		if err := d.db.Create(row).Error; err != nil {
			return err
		}
	}
	return nil
}

func (d *Database) GetLatestReading() (*AggregateReading, error) {
	var reading AggregateReading
	result := d.db.Order("timestamp desc").First(&reading)
	if result.Error != nil {
		return nil, result.Error
	}
	return &reading, nil
}

func (d *Database) GetReadingsByRange(from, to time.Time) ([]AggregateReading, error) {
	var readings []AggregateReading
	result := d.db.Where("timestamp BETWEEN ? AND ?", from, to).
		Order("timestamp desc").
		Find(&readings)
	if result.Error != nil {
		return nil, result.Error
	}
	return readings, nil
}

func (d *Database) GetReadingsWithLimit(limit int) ([]AggregateReading, error) {
	var readings []AggregateReading
	result := d.db.Order("timestamp desc").Limit(limit).Find(&readings)
	if result.Error != nil {
		return nil, result.Error
	}
	return readings, nil
}

func (d *Database) GetSourceReadings(sourceIndex int, limit int) ([]SourceReading, error) {
	var readings []SourceReading
	result := d.db.Where("source_index = ?", sourceIndex).
		Order("timestamp desc").Limit(limit).Find(&readings)
	if result.Error != nil {
		return nil, result.Error
	}
	return readings, nil
}

func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
