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
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/consolidb/consolidb/logger"
	"github.com/consolidb/consolidb/model"
	"github.com/consolidb/consolidb/model/datasource"
	"github.com/consolidb/consolidb/service"
	"github.com/consolidb/consolidb/utils/configutil"
)

type app struct {
	configFile string
	cfg        *configutil.Config
	svc        *service.Service
}

func main() {
	a := &app{}
	root := &cobra.Command{
		Use:           "consolidb",
		Short:         "consolidb is a database consolidation and migration engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
	}
	root.PersistentFlags().StringVarP(&a.configFile, "config", "c", "", "engine config file path")

	root.AddCommand(
		a.datasourceCmd(),
		a.startCmd(),
		a.resumeCmd(),
		a.statusCmd(),
		a.validateCmd(),
		a.promoteCmd(),
		a.rollbackCmd(),
		a.cancelCmd(),
		a.archiveCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "consolidb failed: %v\n", err)
		os.Exit(1)
	}
}

func (a *app) init() error {
	var err error
	if a.configFile != "" {
		a.cfg, err = configutil.ReadConfigFile(a.configFile)
		if err != nil {
			return err
		}
	} else {
		a.cfg = configutil.DefaultConfig()
		a.cfg.EmbeddedDatabaseFile = "consolidb-meta.db"
	}

	logger.NewRootLogger(a.cfg.Config)

	if a.cfg.EmbeddedDatabaseFile != "" {
		err = model.CreateEmbeddedDatabaseConnection(a.cfg.EmbeddedDatabaseFile)
	} else {
		err = model.CreateDatabaseConnection(a.cfg.Database, a.cfg.LogLevel)
	}
	if err != nil {
		return err
	}

	a.svc = service.NewService(a.cfg)
	return nil
}

func (a *app) datasourceCmd() *cobra.Command {
	ds := &datasource.Datasource{}
	cmd := &cobra.Command{
		Use:   "datasource",
		Short: "register or update a source or target datasource",
		RunE: func(cmd *cobra.Command, args []string) error {
			created, err := model.GetIDatasourceRW().CreateDatasource(context.Background(), ds)
			if err != nil {
				return err
			}
			fmt.Printf("datasource [%s] registered\n", created.DatasourceName)
			return nil
		},
	}
	cmd.Flags().StringVar(&ds.DatasourceName, "name", "", "datasource name")
	cmd.Flags().StringVar(&ds.DbType, "db-type", "", "database type, MYSQL POSTGRES or SQLITE")
	cmd.Flags().StringVar(&ds.Host, "host", "", "host")
	cmd.Flags().Uint64Var(&ds.Port, "port", 0, "port")
	cmd.Flags().StringVar(&ds.Username, "username", "", "username")
	cmd.Flags().StringVar(&ds.Password, "password", "", "password")
	cmd.Flags().StringVar(&ds.DbName, "db-name", "", "database or schema name")
	cmd.Flags().StringVar(&ds.FilePath, "file-path", "", "database file path, SQLITE only")
	cmd.Flags().StringVar(&ds.ConnectParams, "connect-params", "", "extra connect params")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("db-type")
	return cmd
}

func (a *app) startCmd() *cobra.Command {
	req := &service.StartMigrationRequest{}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start a consolidation job",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobName, err := a.svc.StartMigration(context.Background(), req)
			if err != nil {
				return err
			}
			fmt.Printf("job [%s] started\n", jobName)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.JobName, "job", "", "job name")
	cmd.Flags().StringSliceVar(&req.SourceNames, "source", nil, "source datasource name, repeatable")
	cmd.Flags().StringVar(&req.TargetName, "target", "", "target datasource name")
	cmd.Flags().BoolVar(&req.DryRun, "dry-run", false, "backfill a disposable target, report, never cut over")
	cmd.MarkFlagRequired("job")
	cmd.MarkFlagRequired("source")
	cmd.MarkFlagRequired("target")
	return cmd
}

func (a *app) resumeCmd() *cobra.Command {
	var jobName string
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "resume an interrupted job from its persisted state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.svc.Resume(context.Background(), jobName)
		},
	}
	cmd.Flags().StringVar(&jobName, "job", "", "job name")
	cmd.MarkFlagRequired("job")
	return cmd
}

func (a *app) statusCmd() *cobra.Command {
	var jobName string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "show a job's lifecycle state and per-table progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := a.svc.GetJobStatus(context.Background(), jobName)
			if err != nil {
				return err
			}
			fmt.Print(status.Render())
			return nil
		},
	}
	cmd.Flags().StringVar(&jobName, "job", "", "job name")
	cmd.MarkFlagRequired("job")
	return cmd
}

func (a *app) validateCmd() *cobra.Command {
	var jobName string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "run the validation battery on demand",
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, err := a.svc.RunValidation(context.Background(), jobName)
			if rep != nil {
				fmt.Printf("report [%s] result [%s], checks [%d] fails [%d]\n",
					rep.ReportID, rep.ReportResult, rep.CheckTotals, rep.CheckFails)
			}
			// a failing battery exits nonzero so scripted gates can rely on it
			return err
		},
	}
	cmd.Flags().StringVar(&jobName, "job", "", "job name")
	cmd.MarkFlagRequired("job")
	return cmd
}

func (a *app) promoteCmd() *cobra.Command {
	var jobName string
	cmd := &cobra.Command{
		Use:   "promote",
		Short: "flip the system of record to target when every gate holds",
		RunE: func(cmd *cobra.Command, args []string) error {
			promoted, reason, err := a.svc.PromoteCutover(context.Background(), jobName)
			if err != nil {
				return err
			}
			if !promoted {
				return fmt.Errorf("cutover blocked: %s", reason)
			}
			fmt.Printf("job [%s] cutover complete, target is the system of record\n", jobName)
			return nil
		},
	}
	cmd.Flags().StringVar(&jobName, "job", "", "job name")
	cmd.MarkFlagRequired("job")
	return cmd
}

func (a *app) rollbackCmd() *cobra.Command {
	var jobName, reason string
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "restore source as the system of record and discard target writes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.svc.Rollback(context.Background(), jobName, reason)
		},
	}
	cmd.Flags().StringVar(&jobName, "job", "", "job name")
	cmd.Flags().StringVar(&reason, "reason", "rolled back by operator", "rollback reason")
	cmd.MarkFlagRequired("job")
	return cmd
}

func (a *app) cancelCmd() *cobra.Command {
	var jobName string
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "abort an in-flight job through the rollback path",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.svc.Cancel(context.Background(), jobName)
		},
	}
	cmd.Flags().StringVar(&jobName, "job", "", "job name")
	cmd.MarkFlagRequired("job")
	return cmd
}

func (a *app) archiveCmd() *cobra.Command {
	var jobName string
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "archive a completed job once the retention window elapsed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.svc.Archive(context.Background(), jobName)
		},
	}
	cmd.Flags().StringVar(&jobName, "job", "", "job name")
	cmd.MarkFlagRequired("job")
	return cmd
}
