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
package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/asaskevich/EventBus"
	"go.uber.org/zap"

	"github.com/consolidb/consolidb/database"
	"github.com/consolidb/consolidb/dualwrite"
	"github.com/consolidb/consolidb/logger"
	"github.com/consolidb/consolidb/model"
	"github.com/consolidb/consolidb/model/job"
	"github.com/consolidb/consolidb/utils/configutil"
	"github.com/consolidb/consolidb/utils/constant"
	"github.com/consolidb/consolidb/utils/stringutil"
)

// Service is the engine's external surface: it owns every MigrationJob state
// transition and drives the analyzer, mapper, migrator, dual-write
// coordinator and validation engine. All decisions re-derive from the
// metadata store, never from in-memory state, so a restarted process resumes
// where the last one stopped.
type Service struct {
	cfg *configutil.Config
	bus EventBus.Bus
}

func NewService(cfg *configutil.Config) *Service {
	if cfg == nil {
		cfg = configutil.DefaultConfig()
	}
	return &Service{
		cfg: cfg,
		bus: EventBus.New(),
	}
}

// Bus exposes the in-process event bus drift events publish on, for
// reconciliation subscribers.
func (s *Service) Bus() EventBus.Bus {
	return s.bus
}

// openStores opens every source connection plus the job's effective target.
// The returned release func closes everything.
func (s *Service) openStores(ctx context.Context, j *job.MigrationJob) (map[string]database.IDatabase, database.IDatabase, func(), error) {
	sources := make(map[string]database.IDatabase)
	release := func() {
		for name, db := range sources {
			if err := db.Close(); err != nil {
				logger.Warn("source close failed", zap.String("datasource", name), zap.Error(err))
			}
		}
	}

	for _, name := range stringutil.StringSplit(j.SourceNames, constant.StringSeparatorComma) {
		ds, err := model.GetIDatasourceRW().GetDatasource(ctx, name)
		if err != nil {
			release()
			return nil, nil, nil, err
		}
		if ds == nil || ds.DatasourceName == "" {
			release()
			return nil, nil, nil, fmt.Errorf("job [%s] source datasource [%s] is not registered", j.JobName, name)
		}
		db, err := database.NewDatabase(ctx, ds)
		if err != nil {
			release()
			return nil, nil, nil, err
		}
		sources[name] = db
	}

	targetName := s.effectiveTargetName(j)
	ds, err := model.GetIDatasourceRW().GetDatasource(ctx, targetName)
	if err != nil {
		release()
		return nil, nil, nil, err
	}
	if ds == nil || ds.DatasourceName == "" {
		release()
		return nil, nil, nil, fmt.Errorf("job [%s] target datasource [%s] is not registered", j.JobName, targetName)
	}
	target, err := database.NewDatabase(ctx, ds)
	if err != nil {
		release()
		return nil, nil, nil, err
	}

	releaseAll := func() {
		if err := target.Close(); err != nil {
			logger.Warn("target close failed", zap.String("datasource", targetName), zap.Error(err))
		}
		release()
	}
	return sources, target, releaseAll, nil
}

// effectiveTargetName resolves the disposable dry-run target when set.
func (s *Service) effectiveTargetName(j *job.MigrationJob) string {
	if strings.EqualFold(j.DryRun, "YES") {
		return dryRunTargetName(j.JobName)
	}
	return j.TargetName
}

func dryRunTargetName(jobName string) string {
	return stringutil.StringJoin([]string{jobName, "dryrun", "target"}, constant.StringSeparatorCenterLine)
}

// jobFingerprint is the sorted (source set, target) identity used to enforce
// at most one active job per pair.
func jobFingerprint(sourceNames []string, targetName string) string {
	sorted := stringutil.StringUpperSlice(sourceNames)
	sort.Strings(sorted)
	return stringutil.StringJoin(append(sorted, stringutil.StringUpper(targetName)), constant.StringSeparatorSlash)
}

// Coordinators builds one dual-write coordinator per backfilled table of an
// active job, for the application's write path during the transition window.
func (s *Service) Coordinators(ctx context.Context, jobName string) (map[string]*dualwrite.Coordinator, func(), error) {
	j, err := model.GetIMigrationJobRW().GetMigrationJob(ctx, jobName)
	if err != nil {
		return nil, nil, err
	}
	if j.JobStatus != constant.JobStatusDualWriteActive {
		return nil, nil, fmt.Errorf("job [%s] status [%s] does not accept dual writes", jobName, j.JobStatus)
	}

	sources, target, release, err := s.openStores(ctx, j)
	if err != nil {
		return nil, nil, err
	}
	mappings, err := model.GetITableMappingRW().FindTableMappingByStatus(ctx, jobName, []string{constant.TableBackfillFinished})
	if err != nil {
		release()
		return nil, nil, err
	}

	coordinators := make(map[string]*dualwrite.Coordinator, len(mappings))
	for _, tm := range mappings {
		source, ok := sources[tm.SourceName]
		if !ok {
			release()
			return nil, nil, fmt.Errorf("job [%s] table [%s] source [%s] has no open connection", jobName, tm.TableNameS, tm.SourceName)
		}
		c, err := dualwrite.NewCoordinator(jobName, tm, source, target, s.cfg.DualWriteTimeout, s.bus)
		if err != nil {
			release()
			return nil, nil, err
		}
		coordinators[tm.TableNameS] = c
	}
	return coordinators, release, nil
}
