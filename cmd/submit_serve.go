package cmd

import (
	"context"
	"fmt"
	"net/http"

	"github.com/catalystcommunity/app-utils-go/errorutils"
	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/urfave/cli/v2"

	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/auth"
	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/config"
	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/filesystem"
	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/store"
	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/submitapi"
)

var SubmitServeCommand = &cli.Command{
	Name:  "submit-serve",
	Usage: "Run the user-facing submit API server",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:        "port",
			Aliases:     []string{"p"},
			Value:       8001,
			Usage:       "The port to serve the submit API on",
			Destination: &config.SubmitPort,
			EnvVars:     []string{"SUBMIT_PORT"},
		},
		&cli.StringFlag{
			Name:        "db-uri",
			Usage:       "The uri to use to connect to the submit database",
			Destination: &config.DatabaseURL,
			EnvVars:     []string{"DATABASE_URL"},
			Value:       config.DatabaseURL,
		},
	},
	Action: func(ctx *cli.Context) error {
		return SubmitServe()
	},
}

func SubmitServe() error {
	ctx := context.Background()

	db, closeDB, err := store.Open(config.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open submit database: %w", err)
	}
	defer closeDB()

	fs, err := filesystem.FromConfig(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize file backend: %w", err)
	}

	catalog, err := submitapi.LoadCatalog(config.ApplicationConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load application catalog: %w", err)
	}

	service := submitapi.NewService(
		db, fs, catalog,
		func() string { return config.WorkerAPIURL },
		config.InternalAPIKeySecret,
	)
	if err := service.Migrate(); err != nil {
		return fmt.Errorf("failed to migrate submit database: %w", err)
	}

	// Human users authenticate against the same pool, without the workers
	// group requirement.
	verifier, err := auth.NewCognitoVerifier(
		ctx, config.CognitoRegion, config.CognitoUserPoolID, config.CognitoClientID, "")
	if err != nil {
		return fmt.Errorf("failed to initialize token verifier: %w", err)
	}

	handler := submitapi.NewRouter(service, verifier)

	logging.Log.Infof("Starting submit API on port %d", config.SubmitPort)
	err = http.ListenAndServe(fmt.Sprintf(":%d", config.SubmitPort), handler)

	errorutils.LogOnErr(nil, "ListenAndServe exited with: ", err)
	return err
}
