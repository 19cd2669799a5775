package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/leftmike/falcon/sql"
)

func init() {
	falconCmd.AddCommand(
		&cobra.Command{
			Use:   "version",
			Short: "Print the version number of Falcon",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Println(sql.Version())
			},
		})
}
