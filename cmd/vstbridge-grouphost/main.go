// vstbridge-grouphost runs the shared daemon for one plugin group. Proxies
// connect to the group socket named on the command line, and each
// connection becomes one hosted plugin session. The daemon exits once its
// last session has ended.
package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vstbridge/vstbridge"
)

func main() {
	root := &cobra.Command{
		Use:           "vstbridge-grouphost <group-socket>",
		Short:         "Host every plugin session of one group in a single process",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if level := viper.GetString("log_level"); level != "" {
				os.Setenv(vstbridge.LogLevelEnv, level)
			}
			if file := viper.GetString("log_file"); file != "" {
				os.Setenv(vstbridge.LogFileEnv, file)
			}

			log := vstbridge.NewLoggerFromEnv(vstbridge.SessionName(args[0]))

			// Images write diagnostics to the raw descriptors; a daemon
			// has nowhere for those to go unless they feed the log.
			capture, err := vstbridge.CaptureStdio(log)
			if err != nil {
				return err
			}
			defer capture.Restore()

			group, err := vstbridge.NewGroupHost(vstbridge.GroupHostConfig{
				SocketPath: args[0],
				Logger:     log,
			})
			if err != nil {
				return err
			}
			return group.Run()
		},
	}

	viper.SetEnvPrefix("vstbridge")
	viper.AutomaticEnv()

	root.PersistentFlags().String("log-level", "", "verbosity, overrides "+vstbridge.LogLevelEnv)
	root.PersistentFlags().String("log-file", "", "log destination, overrides "+vstbridge.LogFileEnv)
	_ = viper.BindPFlag("log_level", root.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log_file", root.PersistentFlags().Lookup("log-file"))

	if err := root.Execute(); err != nil {
		os.Stderr.WriteString("vstbridge-grouphost: " + err.Error() + "\n")
		os.Exit(1)
	}
}
