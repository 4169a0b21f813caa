package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"deedsreg/pkg/config"
)

func initConfigCmd() *cli.Command {
	return &cli.Command{
		Name:      "init-config",
		Usage:     "Write a configuration file with default values",
		ArgsUsage: "[path]",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Overwrite an existing file",
			},
		},
		Action: func(_ context.Context, cmd *cli.Command) error {
			path := cmd.Args().First()
			if path == "" {
				path = "deedsreg.yaml"
			}

			if _, err := os.Stat(path); err == nil && !cmd.Bool("force") {
				return fmt.Errorf("%s already exists, use --force to overwrite", path)
			}

			if err := config.CreateDefaultConfigFile(path); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.Root().Writer, "Wrote default configuration to %s\n", path)
			return err
		},
	}
}
