package cmd

import (
	"github.com/catalystcommunity/app-utils-go/errorutils"
	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/pressly/goose/v3"
	"github.com/urfave/cli/v2"

	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/config"
	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/migrations"
	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/store"
)

var MigrateCommand = &cli.Command{
	Name:  "migrate",
	Usage: "Runs queue database migrations",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "queue-db-uri",
			Usage:       "The uri to use to connect to the queue database",
			Destination: &config.QueueDbURL,
			EnvVars:     []string{"QUEUE_DB_URL"},
			Value:       config.QueueDbURL,
		},
	},
	Action: func(ctx *cli.Context) error {
		return RunMigrations()
	},
}

func RunMigrations() error {
	db, closeDB, err := store.Open(config.QueueDbURL)
	if err != nil {
		errorutils.LogOnErr(nil, "error opening database connection", err)
		return err
	}
	defer closeDB()

	sqldb, err := db.DB()
	errorutils.LogOnErr(nil, "error getting database connection", err)
	if err != nil {
		return err
	}

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		errorutils.LogOnErr(nil, "error setting goose dialect", err)
		return err
	}

	logging.Log.Info("Running migrations")
	err = goose.Up(sqldb, migrations.Dir, goose.WithAllowMissing())
	errorutils.LogOnErr(nil, "error running migrations", err)
	if err != nil {
		return err
	}

	return nil
}
