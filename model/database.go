/*
Copyright © 2020 Marvin

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package model

import (
	"context"
	"fmt"

	"github.com/glebarez/sqlite"

	"github.com/consolidb/consolidb/logger"
	"github.com/consolidb/consolidb/model/batch"
	"github.com/consolidb/consolidb/model/common"
	"github.com/consolidb/consolidb/model/datasource"
	"github.com/consolidb/consolidb/model/job"
	"github.com/consolidb/consolidb/model/mapping"
	"github.com/consolidb/consolidb/model/report"
	"github.com/consolidb/consolidb/utils/stringutil"

	"go.uber.org/zap"

	"gorm.io/gorm/schema"

	_ "github.com/go-sql-driver/mysql"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

var DefaultDB *database

type database struct {
	base            *gorm.DB
	datasourceRW    datasource.IDatasource
	migrationJobRW  job.IMigrationJob
	rollbackPointRW job.IRollbackPoint
	tableMappingRW  mapping.ITableMapping
	identifierRemapRW mapping.IIdentifierRemap
	batchJobRW      batch.IBatchJob
	validationReportRW report.IValidationReport
	checkResultRW   report.ICheckResult
	deadLetterRowRW report.IDeadLetterRow
	driftEventRW    report.IDriftEvent
}

// Database is metadata database configuration.
type Database struct {
	Host          string `toml:"host" json:"host"`
	Port          uint64 `toml:"port" json:"port"`
	Username      string `toml:"username" json:"username"`
	Password      string `toml:"password" json:"password"`
	Schema        string `toml:"schema" json:"schema"`
	SlowThreshold uint64 `toml:"slowThreshold" json:"slowThreshold"`
}

// CreateDatabaseConnection opens the MySQL metadata store, migrates the
// engine tables and wires the reader-writers.
func CreateDatabaseConnection(cfg *Database, logLevel string) error {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=true&loc=Local",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Schema)
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		PrepareStmt:                              true,
		DisableNestedTransaction:                 true,
		Logger:                                   logger.GetGormLogger(logLevel, cfg.SlowThreshold),
		NamingStrategy: schema.NamingStrategy{
			SingularTable: true,
		},
	})
	if err != nil || db.Error != nil {
		return fmt.Errorf("database open failed, database error: [%v]", err)
	}

	return initDefaultDB(db, cfg.Schema)
}

// CreateEmbeddedDatabaseConnection opens a SQLite-backed metadata store,
// used for dry runs and tests where no MySQL metadata instance exists.
func CreateEmbeddedDatabaseConnection(filePath string) error {
	db, err := gorm.Open(sqlite.Open(filePath), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		NamingStrategy: schema.NamingStrategy{
			SingularTable: true,
		},
	})
	if err != nil || db.Error != nil {
		return fmt.Errorf("embedded database open failed, database error: [%v]", err)
	}

	return initDefaultDB(db, filePath)
}

func initDefaultDB(db *gorm.DB, schemaName string) error {
	DefaultDB = &database{
		base: db,
	}
	DefaultDB.initReaderWriters()

	if err := DefaultDB.migrateTables(); err != nil {
		return fmt.Errorf("database [%s] migrate tables failed, database error: [%v]", schemaName, err)
	}
	logger.Info("metadata database connection success", zap.String("database", schemaName))
	return nil
}

func (d *database) initReaderWriters() {
	DefaultDB.datasourceRW = datasource.NewDatasourceRW(d.base)
	DefaultDB.migrationJobRW = job.NewMigrationJobRW(d.base)
	DefaultDB.rollbackPointRW = job.NewRollbackPointRW(d.base)
	DefaultDB.tableMappingRW = mapping.NewTableMappingRW(d.base)
	DefaultDB.identifierRemapRW = mapping.NewIdentifierRemapRW(d.base)
	DefaultDB.batchJobRW = batch.NewBatchJobRW(d.base)
	DefaultDB.validationReportRW = report.NewValidationReportRW(d.base)
	DefaultDB.checkResultRW = report.NewCheckResultRW(d.base)
	DefaultDB.deadLetterRowRW = report.NewDeadLetterRowRW(d.base)
	DefaultDB.driftEventRW = report.NewDriftEventRW(d.base)
}

func (d *database) migrateTables() (err error) {
	models := []interface{}{
		new(datasource.Datasource),
		new(job.MigrationJob),
		new(job.RollbackPoint),
		new(mapping.TableMapping),
		new(mapping.IdentifierRemap),
		new(batch.BatchJob),
		new(report.ValidationReport),
		new(report.CheckResult),
		new(report.DeadLetterRow),
		new(report.DriftEvent),
	}
	for _, m := range models {
		if err = d.base.AutoMigrate(m); err != nil {
			return err
		}
	}
	return nil
}

func (d *Database) String() string {
	return stringutil.MarshalJSON(d)
}

// Transaction runs fc inside one metadata transaction; nested reader-writer
// calls pick the transaction up from the context.
func Transaction(ctx context.Context, fc func(txnCtx context.Context) error) (err error) {
	if DefaultDB == nil || DefaultDB.base == nil {
		return fc(ctx)
	}
	db := DefaultDB.base.WithContext(ctx)

	return db.Transaction(func(tx *gorm.DB) error {
		return fc(common.CtxWithTransaction(ctx, tx))
	})
}

func GetIDatasourceRW() datasource.IDatasource {
	return DefaultDB.datasourceRW
}

func GetIMigrationJobRW() job.IMigrationJob {
	return DefaultDB.migrationJobRW
}

func GetIRollbackPointRW() job.IRollbackPoint {
	return DefaultDB.rollbackPointRW
}

func GetITableMappingRW() mapping.ITableMapping {
	return DefaultDB.tableMappingRW
}

func GetIIdentifierRemapRW() mapping.IIdentifierRemap {
	return DefaultDB.identifierRemapRW
}

func GetIBatchJobRW() batch.IBatchJob {
	return DefaultDB.batchJobRW
}

func GetIValidationReportRW() report.IValidationReport {
	return DefaultDB.validationReportRW
}

func GetICheckResultRW() report.ICheckResult {
	return DefaultDB.checkResultRW
}

func GetIDeadLetterRowRW() report.IDeadLetterRow {
	return DefaultDB.deadLetterRowRW
}

func GetIDriftEventRW() report.IDriftEvent {
	return DefaultDB.driftEventRW
}
