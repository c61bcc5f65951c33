package cmd

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/G-Research/fleetbench/internal/common/build"
	"github.com/G-Research/fleetbench/internal/common/logging"
	"github.com/G-Research/fleetbench/internal/common/util"
)

func versionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(*cobra.Command, []string) {
			logging.ConfigureCommandLineLogging()
			w := util.NewTabbedStringBuilder(1, 1, 1, ' ', 0)
			w.Row("Version:", build.ReleaseVersion)
			w.Row("Commit:", build.GitCommit)
			w.Row("Go version:", build.GoVersion)
			w.Writef("Built:\t%s", build.BuildTime)
			log.Info(w.String())
		},
	}
	return cmd
}
