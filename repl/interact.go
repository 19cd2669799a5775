package repl

import (
	"context"
	"fmt"
	"os"

	"github.com/peterh/liner"
	log "github.com/sirupsen/logrus"
)

const (
	falconHistory = ".falcon_history"
)

type lineReader struct {
	line *liner.State
}

func (lr *lineReader) ReadLine() (string, error) {
	for {
		s, err := lr.line.Prompt("falcon> ")
		if err == liner.ErrPromptAborted {
			continue
		} else if err != nil {
			return "", err
		}
		if s != "" {
			lr.line.AppendHistory(s)
		}
		return s, nil
	}
}

// Interact runs ses against the terminal, with line editing and a history file in the
// current directory.
func Interact(ctx context.Context, ses *Session) {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	if f, err := os.Open(falconHistory); err == nil {
		line.ReadHistory(f)
		f.Close()
	}

	ses.Repl(ctx, &lineReader{line: line})

	if f, err := os.Create(falconHistory); err != nil {
		fmt.Fprintf(os.Stderr, "falcon: error writing history file, %s: %s\n", falconHistory,
			err)
	} else {
		_, err = line.WriteHistory(f)
		if err != nil {
			log.WithField("error", err).Warn("repl: write history")
		}
		f.Close()
	}
}
