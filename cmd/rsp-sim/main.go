// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command rsp-sim runs emulated RSP boards.
//
// Usage: rsp-sim [options] addr1 [addr2 [...]]
//
// Each address serves one emulated board.
package main // import "github.com/go-lpc/rsp/cmd/rsp-sim"

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/go-lpc/rsp/rspsim"
	"golang.org/x/sync/errgroup"
)

func main() {
	log.SetPrefix("rsp-sim: ")
	log.SetFlags(0)

	var (
		nblps   = flag.Int("blps", 4, "number of BLPs per board")
		dir     = flag.String("dir", "", "directory where to store register images (default: in memory)")
		drop    = flag.Int("drop", 0, "number of write-acks to drop")
		corrupt = flag.Int("corrupt", 0, "number of write-acks to corrupt")
		spur    = flag.Int("unexpected", 0, "number of spurious read-acks to send")
	)

	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		log.Fatalf("missing board address")
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	defer signal.Stop(stop)

	opts := []rspsim.Option{
		rspsim.WithDropAck(*drop),
		rspsim.WithCorruptAck(*corrupt),
		rspsim.WithUnexpectedAck(*spur),
	}
	err := run(flag.Args(), *nblps, *dir, opts, stop)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(addrs []string, nblps int, dir string, opts []rspsim.Option, stop chan os.Signal) error {
	var (
		grp    errgroup.Group
		boards = make([]*rspsim.Board, 0, len(addrs))
	)
	defer func() {
		for _, b := range boards {
			_ = b.Close()
		}
	}()

	for i, addr := range addrs {
		bopts := append([]rspsim.Option{}, opts...)
		if dir != "" {
			bopts = append(bopts, rspsim.WithImage(filepath.Join(dir, fmt.Sprintf("rsp-%02d.img", i))))
		}
		b, err := rspsim.New(nblps, bopts...)
		if err != nil {
			return fmt.Errorf("could not create board %d: %w", i, err)
		}
		boards = append(boards, b)

		addr := addr
		grp.Go(func() error {
			log.Printf("serving board on %q...", addr)
			return b.ListenAndServe(addr)
		})
	}

	done := make(chan error, 1)
	go func() { done <- grp.Wait() }()

	select {
	case <-stop:
		log.Printf("stopping...")
		for _, b := range boards {
			err := b.Close()
			if err != nil {
				log.Printf("could not close board: %+v", err)
			}
		}
		return <-done
	case err := <-done:
		if err != nil {
			return fmt.Errorf("could not serve boards: %w", err)
		}
		return nil
	}
}
