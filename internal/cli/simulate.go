package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	simulateFile string
	simulateJSON string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "解析一条告警 JSON 并通过已配置的通道投递",
	RunE: func(cmd *cobra.Command, args []string) error {
		var raw []byte
		switch {
		case simulateFile != "" && simulateJSON != "":
			return errors.New("--file 与 --json 只能二选一")
		case simulateFile != "":
			b, err := os.ReadFile(simulateFile)
			if err != nil {
				return err
			}
			raw = b
		case simulateJSON != "":
			raw = []byte(simulateJSON)
		default:
			return errors.New("必须提供 --file 或 --json")
		}

		stats, err := getApp().SimulateAlert(cmd.Context(), raw)
		fmt.Fprintf(cmd.OutOrStdout(), "sent: %d\nfailed: %d\nsuppressed: %d\n", stats.Sent, stats.Failed, stats.Suppressed)
		return err
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateFile, "file", "", "告警 JSON 文件路径")
	simulateCmd.Flags().StringVar(&simulateJSON, "json", "", "内联告警 JSON")
}
