// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command bf-ctl is an interactive shell to write beamformer weights to
// a single RSP board.
//
// Usage: bf-ctl [options] addr
package main // import "github.com/go-lpc/rsp/cmd/bf-ctl"

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-lpc/rsp/board"
	"github.com/peterh/liner"
)

func main() {
	log.SetPrefix("bf-ctl: ")
	log.SetFlags(0)

	var (
		nblps   = flag.Int("blps", 4, "number of BLPs of the board")
		bits    = flag.Int("bits", 16, "number of bits per sample")
		timeout = flag.Duration("timeout", 500*time.Millisecond, "ack timeout")
	)

	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		log.Fatalf("missing board address")
	}

	ctx := context.Background()
	port, err := board.Dial(ctx, flag.Arg(0))
	if err != nil {
		log.Fatalf("could not dial board: %+v", err)
	}
	defer port.Close()

	sh, err := newShell(port, os.Stdout, *nblps, *bits, *timeout)
	if err != nil {
		log.Fatalf("could not create shell: %+v", err)
	}

	err = repl(ctx, sh)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func repl(ctx context.Context, sh *shell) error {
	term := liner.NewLiner()
	defer term.Close()
	term.SetCtrlCAborts(true)
	term.SetCompleter(func(line string) []string {
		var cmds []string
		for _, name := range sh.names() {
			if strings.HasPrefix(name, strings.ToLower(line)) {
				cmds = append(cmds, name)
			}
		}
		return cmds
	})

	hist := filepath.Join(os.TempDir(), ".bf-ctl.history")
	if f, err := os.Open(hist); err == nil {
		_, _ = term.ReadHistory(f)
		f.Close()
	}
	defer func() {
		f, err := os.Create(hist)
		if err != nil {
			return
		}
		defer f.Close()
		_, _ = term.WriteHistory(f)
	}()

	for {
		line, err := term.Prompt("bf> ")
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, liner.ErrPromptAborted) {
				return nil
			}
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		term.AppendHistory(line)

		err = sh.exec(ctx, line)
		switch {
		case errors.Is(err, errQuit):
			return nil
		case err != nil:
			log.Printf("%+v", err)
		}
	}
}
