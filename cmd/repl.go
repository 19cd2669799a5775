package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/leftmike/falcon/repl"
)

var (
	replCmd = &cobra.Command{
		Use:   "repl [script ...]",
		Short: "Run commands from scripts or an interactive console session",
		RunE:  replRun,
	}

	execArgs   = []string{}
	echo       = false
	scavenging = true
)

func init() {
	fs := replCmd.Flags()
	initEngineFlags(fs)

	fs.StringSliceVar(&execArgs, "exec", execArgs, "`command` to execute; multiple allowed")
	fs.BoolVar(&echo, "echo", echo, "echo commands read from scripts")
	fs.BoolVar(&scavenging, "scavenge", scavenging, "run the scavenger in the background")
	cfgVars["scavenge"] = fs.Lookup("scavenge")

	falconCmd.AddCommand(replCmd)
}

func replRun(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer closeEngine(eng)

	if scavenging {
		eng.Scavenger().Start()
	}

	ctx := context.Background()
	for _, arg := range execArgs {
		ses := repl.NewSession(eng, os.Stdout)
		ses.Echo = echo
		ses.Repl(ctx, repl.NewReader(strings.NewReader(arg)))
	}

	for _, arg := range args {
		f, err := os.Open(arg)
		if err != nil {
			return fmt.Errorf("falcon: script: %s", err)
		}
		ses := repl.NewSession(eng, os.Stdout)
		ses.Echo = echo
		ses.Repl(ctx, repl.NewReader(f))
		f.Close()
	}

	if len(args) == 0 && len(execArgs) == 0 {
		repl.Interact(ctx, repl.NewSession(eng, os.Stdout))
	}
	return nil
}
