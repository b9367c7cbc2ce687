package main

import (
	"os"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/urfave/cli/v2"

	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/cmd"
)

func main() {
	app := &cli.App{
		Name:  "decode-worker-api",
		Usage: "DECODE-Cloud job brokerage: worker API, submit API and queue tooling",
		Commands: []*cli.Command{
			cmd.ServeCommand,
			cmd.SubmitServeCommand,
			cmd.MigrateCommand,
			cmd.HealthCheckCommand,
		},
	}
	err := app.Run(os.Args)
	if err != nil {
		// log fatal so we exit with the proper exit code, this is important for containerized deployment health checks
		logging.Log.WithError(err).Fatal("runtime error")
	}
}
