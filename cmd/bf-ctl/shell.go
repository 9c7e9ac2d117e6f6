// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-lpc/rsp/bf"
	"github.com/go-lpc/rsp/cache"
	"github.com/go-lpc/rsp/mep"
	"github.com/go-lpc/rsp/syncaction"
)

var errQuit = errors.New("quit")

type shell struct {
	w     io.Writer
	port  syncaction.Port
	cache *cache.Cache
	drv   *syncaction.Driver
	cmds  map[string]command
}

type command struct {
	help string
	run  func(ctx context.Context, args []string) error
}

func newShell(port syncaction.Port, w io.Writer, nblps, bits int, timeout time.Duration) (*shell, error) {
	c, err := cache.New(nblps, bits)
	if err != nil {
		return nil, err
	}

	var actions []syncaction.Action
	for blp := 0; blp < nblps; blp++ {
		for _, kind := range bf.Kinds() {
			seq, err := bf.NewSequencer(
				c, c.States(), 0, blp, kind,
				bf.WithBLPsPerBoard(nblps),
				bf.WithLogger(log.New(w, "bf: ", 0)),
			)
			if err != nil {
				return nil, err
			}
			actions = append(actions, seq)
		}
	}

	sh := &shell{
		w:     w,
		port:  port,
		cache: c,
		drv: syncaction.NewDriver(
			"board", port, actions,
			syncaction.WithTimeout(timeout),
			syncaction.WithLogger(log.New(w, "syncaction: ", 0)),
		),
	}
	sh.cmds = map[string]command{
		"bits":    {"bits N: set the number of bits per sample", sh.cmdBits},
		"swap":    {"swap BLP on|off: swap the X and Y inputs of a BLP", sh.cmdSwap},
		"weight":  {"weight BLP POL BEG RE IM [N]: set N beamlet weights", sh.cmdWeight},
		"sync":    {"sync: write all modified registers", sh.cmdSync},
		"state":   {"state: print the register states", sh.cmdState},
		"swapbuf": {"swapbuf: publish the weights and start a new generation", sh.cmdSwapBuf},
		"read":    {"read BLP KIND BANK FRAG: read back a register fragment", sh.cmdRead},
		"help":    {"help: print this help", sh.cmdHelp},
		"quit":    {"quit: exit the shell", func(context.Context, []string) error { return errQuit }},
	}
	return sh, nil
}

func (sh *shell) names() []string {
	names := make([]string, 0, len(sh.cmds))
	for name := range sh.cmds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (sh *shell) exec(ctx context.Context, line string) error {
	toks := strings.Fields(line)
	if len(toks) == 0 {
		return nil
	}
	cmd, ok := sh.cmds[strings.ToLower(toks[0])]
	if !ok {
		return fmt.Errorf("unknown command %q", toks[0])
	}
	return cmd.run(ctx, toks[1:])
}

func atoi(args []string, i int, name string) (int, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("missing %s argument", name)
	}
	v, err := strconv.Atoi(args[i])
	if err != nil {
		return 0, fmt.Errorf("invalid %s argument %q: %w", name, args[i], err)
	}
	return v, nil
}

func (sh *shell) cmdHelp(ctx context.Context, args []string) error {
	for _, name := range sh.names() {
		fmt.Fprintf(sh.w, "  %s\n", sh.cmds[name].help)
	}
	return nil
}

func (sh *shell) cmdBits(ctx context.Context, args []string) error {
	bits, err := atoi(args, 0, "bits")
	if err != nil {
		return err
	}
	return sh.cache.SetBitsPerSample(bits)
}

func (sh *shell) cmdSwap(ctx context.Context, args []string) error {
	blp, err := atoi(args, 0, "BLP")
	if err != nil {
		return err
	}
	if len(args) < 2 {
		return fmt.Errorf("missing on|off argument")
	}
	switch args[1] {
	case "on":
		return sh.cache.SetSwappedXY(blp, true)
	case "off":
		return sh.cache.SetSwappedXY(blp, false)
	default:
		return fmt.Errorf("invalid swap argument %q", args[1])
	}
}

func (sh *shell) cmdWeight(ctx context.Context, args []string) error {
	var (
		vs    [5]int
		names = []string{"BLP", "POL", "BEG", "RE", "IM"}
		err   error
	)
	for i, name := range names {
		vs[i], err = atoi(args, i, name)
		if err != nil {
			return err
		}
	}
	n := 1
	if len(args) > len(names) {
		n, err = atoi(args, len(names), "N")
		if err != nil {
			return err
		}
	}
	if n <= 0 {
		return fmt.Errorf("invalid number of beamlets %d", n)
	}

	ws := make([]bf.Weight, n)
	for i := range ws {
		ws[i] = bf.Weight{Re: int16(vs[3]), Im: int16(vs[4])}
	}
	return sh.cache.SetWeights(vs[0], vs[1], vs[2], ws)
}

func (sh *shell) cmdSync(ctx context.Context, args []string) error {
	stats, err := sh.drv.Round(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.w, "%v\n", stats)
	if n := stats.Latency.Entries(); n > 0 {
		fmt.Fprintf(sh.w, "ack latency: mean=%.3fms (n=%d)\n", stats.Latency.XMean(), n)
	}
	return nil
}

func (sh *shell) cmdState(ctx context.Context, args []string) error {
	fmt.Fprintf(
		sh.w, "gen=%d bits=%d states=[%v]\n",
		sh.cache.Generation(), sh.cache.BitsPerSample(), sh.cache.States(),
	)
	return nil
}

func (sh *shell) cmdSwapBuf(ctx context.Context, args []string) error {
	gen := sh.cache.Swap()
	fmt.Fprintf(sh.w, "gen=%d\n", gen)
	return nil
}

func (sh *shell) cmdRead(ctx context.Context, args []string) error {
	blp, err := atoi(args, 0, "BLP")
	if err != nil {
		return err
	}
	if len(args) < 2 {
		return fmt.Errorf("missing KIND argument")
	}
	kind, err := bf.ParseKind(strings.ToUpper(args[1]))
	if err != nil {
		return err
	}
	bank, err := atoi(args, 2, "BANK")
	if err != nil {
		return err
	}
	frag, err := atoi(args, 3, "FRAG")
	if err != nil {
		return err
	}
	if blp < 0 || blp >= 8 || bank < 0 || bank >= mep.MaxNrBanks || frag < 0 || frag >= mep.NrFragments {
		return fmt.Errorf("invalid register fragment (blp=%d, bank=%d, frag=%d)", blp, bank, frag)
	}

	req := mep.Frame{Header: mep.Header{
		Type: mep.Read,
		Addr: mep.Addr{
			DstID: 1 << uint(blp),
			PID:   mep.PidBF,
			RegID: kind.RegID(bank),
		},
		Offset: uint16(bf.Offset(frag)),
		Size:   uint16(bf.Size(frag)),
	}}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = sh.port.Send(ctx, req)
	if err != nil {
		return err
	}
	for {
		rep, err := sh.port.Recv(ctx)
		if err != nil {
			return err
		}
		if rep.Header.Type != mep.ReadAck || rep.Header.Addr != req.Header.Addr {
			continue
		}
		if rep.Header.Status != mep.StatusOK {
			return fmt.Errorf("could not read register: status=%d", rep.Header.Status)
		}
		ws, err := bf.DecodeWeights(rep.Payload)
		if err != nil {
			return err
		}
		xlets := len(ws) - bf.FragmentBytes/mep.WeightSize
		for i, w := range ws {
			if i < xlets {
				fmt.Fprintf(sh.w, "x%d: X=%v Y=%v\n", i, w[0], w[1])
				continue
			}
			fmt.Fprintf(sh.w, "%3d: X=%v Y=%v\n", i-xlets, w[0], w[1])
		}
		return nil
	}
}
