package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/urfave/cli/v2"
)

var HealthCheckCommand = &cli.Command{
	Name:  "healthcheck",
	Usage: "Check if the worker API is healthy (for container health checks)",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "url",
			Aliases: []string{"u"},
			Value:   "http://localhost:8000/access_info",
			Usage:   "access_info URL to check for health",
			EnvVars: []string{"HEALTH_URL"},
		},
		&cli.IntFlag{
			Name:    "timeout",
			Aliases: []string{"t"},
			Value:   5,
			Usage:   "Timeout in seconds",
			EnvVars: []string{"HEALTH_TIMEOUT"},
		},
	},
	Action: func(ctx *cli.Context) error {
		return CheckHealth(ctx.String("url"), time.Duration(ctx.Int("timeout"))*time.Second)
	},
}

// CheckHealth fetches the access_info endpoint and verifies the server is
// publishing its identity-provider coordinates. A 200 with a missing cognito
// block means the process is up but misconfigured, which still counts as
// unhealthy.
func CheckHealth(url string, timeout time.Duration) error {
	client := &http.Client{
		Timeout: timeout,
	}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: status %d", resp.StatusCode)
	}

	var info map[string]map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return fmt.Errorf("health check failed: invalid response body: %w", err)
	}
	if _, ok := info["cognito"]; !ok {
		return fmt.Errorf("health check failed: access_info missing cognito block")
	}

	return nil
}
