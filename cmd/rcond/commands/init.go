package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/schultz-is/rcond/internal/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a configuration file",
	Long: `Initialize an rcond configuration file with a freshly generated password.

By default, the configuration file is created at $XDG_CONFIG_HOME/rcond/config.yaml.
Use --config to specify a custom path.

Examples:
  # Initialize with default location
  rcond init

  # Initialize with custom path
  rcond init --config /etc/rcond/config.yaml

  # Force overwrite existing config
  rcond init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	configFile := GetConfigFile()

	var configPath string
	var err error

	if configFile != "" {
		err = config.InitConfigToPath(configFile, initForce)
		configPath = configFile
	} else {
		configPath, err = config.InitConfig(initForce)
	}

	if err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration file created at: %s\n", configPath)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintln(out, "  1. Note the generated rcon.password, clients need it to log in")
	fmt.Fprintln(out, "  2. Set executor.program to the command handler for your host")
	fmt.Fprintf(out, "  3. Start the server with: rcond start --config %s\n", configPath)
	return nil
}
