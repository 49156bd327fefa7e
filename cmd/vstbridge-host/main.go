// vstbridge-host runs the bridge half of one plugin session: it loads the
// plugin image named on the command line and serves it to the proxy
// listening on the given endpoint until the session ends.
package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vstbridge/vstbridge"
)

func main() {
	root := &cobra.Command{
		Use:           "vstbridge-host <image> <endpoint>",
		Short:         "Host a plugin image for the proxy on the given endpoint",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if level := viper.GetString("log_level"); level != "" {
				os.Setenv(vstbridge.LogLevelEnv, level)
			}
			if file := viper.GetString("log_file"); file != "" {
				os.Setenv(vstbridge.LogFileEnv, file)
			}

			bridge, err := vstbridge.NewBridge(vstbridge.BridgeConfig{
				ImagePath: args[0],
				Endpoint:  args[1],
			})
			if err != nil {
				return err
			}
			return bridge.Serve()
		},
	}

	viper.SetEnvPrefix("vstbridge")
	viper.AutomaticEnv()

	root.PersistentFlags().String("log-level", "", "verbosity, overrides "+vstbridge.LogLevelEnv)
	root.PersistentFlags().String("log-file", "", "log destination, overrides "+vstbridge.LogFileEnv)
	_ = viper.BindPFlag("log_level", root.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log_file", root.PersistentFlags().Lookup("log-file"))

	if err := root.Execute(); err != nil {
		os.Stderr.WriteString("vstbridge-host: " + err.Error() + "\n")
		os.Exit(1)
	}
}
