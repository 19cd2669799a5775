package cmd

import (
	"fmt"
	"os"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var (
	scavengeCmd = &cobra.Command{
		Use:   "scavenge",
		Short: "Open the store, run one forced scavenge cycle, and validate",
		RunE:  scavengeRun,
	}

	validateCmd = &cobra.Command{
		Use:   "validate",
		Short: "Open the store and check its tables, indexes, and memory",
		RunE:  validateRun,
	}

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Print the config variables and where their values came from",
		Run:   configRun,
	}
)

func init() {
	initEngineFlags(scavengeCmd.Flags())
	initEngineFlags(validateCmd.Flags())
	initEngineFlags(configCmd.Flags())

	falconCmd.AddCommand(scavengeCmd, validateCmd, configCmd)
}

func scavengeRun(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer closeEngine(eng)

	rs := eng.Scavenger().Force()
	fmt.Printf("pruned %d, retired %d, expunged %d, reclaimed %s\n", rs.Pruned, rs.Retired,
		rs.Expunged, humanize.IBytes(uint64(rs.ReclaimedSize)))
	return eng.Validate()
}

func validateRun(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer closeEngine(eng)

	err = eng.Validate()
	if err != nil {
		return err
	}
	st := eng.Stats()
	for _, ts := range st.Tables {
		fmt.Printf("%s: %s rows\n", ts.Name, humanize.Comma(int64(ts.Rows)))
	}
	fmt.Println("ok")
	return nil
}

func configRun(cmd *cobra.Command, args []string) {
	var rows [][]string
	for name, flg := range cfgVars {
		var val, by string
		if usedFlag(flg.Name) {
			val = flg.Value.String()
			by = "flag"
		} else if obj, ok := cfg[name]; ok {
			val = fmt.Sprintf("%v", obj)
			by = "config"
		} else {
			val = flg.DefValue
			by = "default"
		}
		rows = append(rows, []string{name, by, val})
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i][0] < rows[j][0]
	})

	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetAutoFormatHeaders(false)
	tw.SetHeader([]string{"name", "by", "value"})
	tw.AppendBulk(rows)
	tw.Render()
}
