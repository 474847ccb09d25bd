// webhooktester 是本地联调工具：签名并投递 webhook 事件，或导出 SQLite 中的会话记录。
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "webhooktester",
		Short:         "Exercise the voice agent webhook locally",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(sendCmd(), transcriptCmd())
	return root
}
