package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/catalystcommunity/app-utils-go/errorutils"
	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/gammazero/workerpool"
	"github.com/urfave/cli/v2"

	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/auth"
	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/config"
	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/filesystem"
	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/handlers"
	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/queue"
	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/store"
	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/supervisor"
	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/tracker"
)

var ServeCommand = &cli.Command{
	Name:  "serve",
	Usage: "Run the worker-facing API server",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:        "port",
			Aliases:     []string{"p"},
			Value:       8000,
			Usage:       "The port to serve the worker API on",
			Destination: &config.Port,
			EnvVars:     []string{"PORT"},
		},
		&cli.StringFlag{
			Name:        "queue-db-uri",
			Usage:       "The uri to use to connect to the queue database",
			Destination: &config.QueueDbURL,
			EnvVars:     []string{"QUEUE_DB_URL"},
			Value:       config.QueueDbURL,
		},
	},
	Action: func(ctx *cli.Context) error {
		return Serve()
	},
}

func Serve() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, closeDB, err := store.Open(config.QueueDbURL)
	if err != nil {
		return fmt.Errorf("failed to open queue database: %w", err)
	}
	defer closeDB()

	trackerClient := tracker.NewClient(
		func() string { return config.UserfacingAPIURL },
		config.InternalAPIKeySecret,
	)
	q := queue.New(db, trackerClient, config.RetryDifferent)

	// Postgres schemas come from versioned migrations; sqlite deployments
	// create the table on startup.
	if store.IsSQLite(config.QueueDbURL) {
		if err := q.Create(false); err != nil {
			return fmt.Errorf("failed to create queue table: %w", err)
		}
	} else if err := RunMigrations(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// Initialize the file backend and the token verifier concurrently; the
	// OIDC discovery fetch dominates startup otherwise.
	var fs filesystem.FileSystem
	var verifier auth.TokenVerifier
	var fsErr, verifierErr error

	pool := workerpool.New(2)
	pool.Submit(func() {
		fs, fsErr = filesystem.FromConfig(ctx)
		if fsErr == nil {
			logging.Log.Info("file backend initialized")
		}
	})
	pool.Submit(func() {
		verifier, verifierErr = auth.NewCognitoVerifier(
			ctx, config.CognitoRegion, config.CognitoUserPoolID, config.CognitoClientID, auth.WorkersGroup)
		if verifierErr == nil {
			logging.Log.Info("token verifier initialized")
		}
	})
	pool.StopWait()

	if fsErr != nil {
		return fmt.Errorf("failed to initialize file backend: %w", fsErr)
	}
	if verifierErr != nil {
		return fmt.Errorf("failed to initialize token verifier: %w", verifierErr)
	}

	sup := supervisor.New(
		q,
		supervisor.DefaultInterval,
		config.MaxRetries,
		time.Duration(config.TimeoutFailure)*time.Second,
	)
	go sup.Run(ctx)

	handler := handlers.NewRouter(q, fs, verifier)

	logging.Log.Infof("Starting worker API on port %d", config.Port)
	err = http.ListenAndServe(fmt.Sprintf(":%d", config.Port), handler)

	// ListenAndServe always eventually errors out, so we log it and return it
	errorutils.LogOnErr(nil, "ListenAndServe exited with: ", err)
	return err
}
