package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"runtime"

	"github.com/spf13/cobra"
)

// 构建时通过 -ldflags "-X bidtrack/cmd/cli.Version=..." 注入
var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

type buildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

func currentBuild() buildInfo {
	return buildInfo{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

func writeVersion(w io.Writer, asJSON bool) error {
	info := currentBuild()
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	_, err := fmt.Fprintf(w, "bidtrack %s (commit %s, built %s, %s %s)\n",
		info.Version, info.Commit, info.BuildTime, info.GoVersion, info.Platform)
	return err
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the bidtrack build information",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		return writeVersion(cmd.OutOrStdout(), asJSON)
	},
}

func init() {
	versionCmd.Flags().Bool("json", false, "print build information as JSON")
	rootCmd.AddCommand(versionCmd)
}
