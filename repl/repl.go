// Package repl is a line oriented console for a falcon record store.
package repl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/mattn/go-shellwords"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/leftmike/falcon/storage/falcon"
	"github.com/leftmike/falcon/storage/service"
)

var errQuit = errors.New("quit")

type LineReader interface {
	ReadLine() (string, error)
}

type scriptReader struct {
	scanner *bufio.Scanner
}

// NewReader reads commands, one per line, from r.
func NewReader(r io.Reader) LineReader {
	return &scriptReader{bufio.NewScanner(r)}
}

func (sr *scriptReader) ReadLine() (string, error) {
	if !sr.scanner.Scan() {
		if err := sr.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return sr.scanner.Text(), nil
}

// Session is a console connected to an engine. Commands outside of an explicit
// transaction each run in a transaction of their own.
type Session struct {
	eng       *falcon.Engine
	w         io.Writer
	tx        *service.Transaction
	isolation service.IsolationLevel
	Echo      bool
}

func NewSession(eng *falcon.Engine, w io.Writer) *Session {
	return &Session{
		eng:       eng,
		w:         w,
		isolation: service.RepeatableRead,
	}
}

// Repl executes commands from lr until it returns io.EOF or a quit command; a transaction
// left open is rolled back.
func (ses *Session) Repl(ctx context.Context, lr LineReader) {
	for {
		line, err := lr.ReadLine()
		if err == io.EOF {
			break
		} else if err != nil {
			fmt.Fprintln(ses.w, err)
			break
		}

		if ses.Echo {
			fmt.Fprintf(ses.w, "> %s\n", line)
		}
		err = ses.Execute(ctx, line)
		if err == errQuit {
			break
		} else if err != nil {
			fmt.Fprintf(ses.w, "error: %s\n", err)
		}
	}

	if ses.tx != nil {
		ses.tx.Rollback()
		ses.tx = nil
		fmt.Fprintln(ses.w, "open transaction rolled back")
	}
}

// Execute runs one command line; blank lines and lines starting with # are ignored.
func (ses *Session) Execute(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil
	}

	args, err := shellwords.Parse(line)
	if err != nil {
		return err
	}
	name := strings.ToLower(args[0])
	cmd, ok := commands[name]
	if !ok {
		return errors.Errorf("unknown command: %s; try help", args[0])
	}
	args = args[1:]
	if len(args) < cmd.minArgs || (cmd.maxArgs >= 0 && len(args) > cmd.maxArgs) {
		return errors.Errorf("usage: %s %s", name, cmd.usage)
	}

	log.WithFields(log.Fields{
		"command": name,
		"args":    len(args),
	}).Trace("repl: execute")
	return cmd.fn(ctx, ses, args)
}

// run calls fn with the open transaction or, if there is none, with a new transaction
// which is committed if fn succeeds and rolled back otherwise.
func (ses *Session) run(ctx context.Context, fn func(tx *service.Transaction) error) error {
	if ses.tx != nil {
		return fn(ses.tx)
	}

	tx := ses.eng.Begin(ses.isolation)
	err := fn(tx)
	if err != nil {
		rerr := tx.Rollback()
		if rerr != nil {
			log.WithFields(log.Fields{
				"transaction": tx.String(),
				"error":       rerr,
			}).Warn("repl: rollback")
		}
		return err
	}
	return tx.Commit(ctx)
}
