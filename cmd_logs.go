package main

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"github.com/webosbrew/dev-manager-desktop/internal/sshfiles"
	"github.com/webosbrew/dev-manager-desktop/internal/sshlogs"
)

var (
	logType   string
	logPath   string
	logTail   int
	logFollow bool
	logList   bool
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Print or follow a device log",
	Long: `logs prints the end of a device log file. With --follow it keeps
printing new lines until Ctrl-C.`,
	Args: cobra.NoArgs,
	RunE: runLogs,
}

func init() {
	logsCmd.Flags().StringVarP(&deviceName, "device", "d", "", "Device name (default device if empty)")
	logsCmd.Flags().StringVarP(&logType, "type", "t", string(sshlogs.LogTypeSystem), "Log type (system, legacy)")
	logsCmd.Flags().StringVar(&logPath, "path", "", "Absolute log file path (overrides --type)")
	logsCmd.Flags().IntVarP(&logTail, "lines", "n", sshlogs.DefaultTail, "Number of existing lines to print")
	logsCmd.Flags().BoolVarP(&logFollow, "follow", "f", false, "Keep printing appended lines")
	logsCmd.Flags().BoolVar(&logList, "list", false, "List the log types present on the device")
}

func runLogs(cmd *cobra.Command, args []string) error {
	env, err := openCLI()
	if err != nil {
		return err
	}
	defer env.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	dev, err := pickDevice(ctx, env.dir, deviceName)
	if err != nil {
		return err
	}
	logs := sshlogs.New(env.mgr, sshfiles.New(env.mgr))

	if logList {
		types, err := logs.Available(ctx, dev)
		if err != nil {
			return err
		}
		for _, t := range types {
			fmt.Printf("%s\t%s\n", t, sshlogs.DefaultLogPaths[t])
		}
		return nil
	}

	lines, err := logs.Stream(ctx, dev, sshlogs.StreamOptions{
		Type:   sshlogs.LogType(logType),
		Path:   logPath,
		Tail:   logTail,
		Follow: logFollow,
	})
	if err != nil {
		return err
	}
	for line := range lines {
		fmt.Println(line)
	}
	return nil
}
