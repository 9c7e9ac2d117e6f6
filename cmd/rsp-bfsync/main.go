// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command rsp-bfsync starts a TDAQ server writing the beamformer weights
// of a station to its RSP boards.
//
// Usage: rsp-bfsync [tdaq-options] <name> <config-file>
package main // import "github.com/go-lpc/rsp/cmd/rsp-bfsync"

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/go-daq/tdaq"
	"github.com/go-daq/tdaq/flags"
	"github.com/go-lpc/rsp/bf"
	"github.com/go-lpc/rsp/board"
	"github.com/go-lpc/rsp/cache"
	"github.com/go-lpc/rsp/conddb"
	"github.com/go-lpc/rsp/config"
	"github.com/go-lpc/rsp/mep"
	"github.com/go-lpc/rsp/syncaction"
	"github.com/sbinet/pmon"
)

func main() {
	cmd := flags.New()
	if len(cmd.Args) < 2 {
		log.Fatalf("missing process name or configuration file")
	}

	dev := newSyncer(cmd.Args[0], cmd.Args[1])

	srv := tdaq.New(cmd, os.Stdout)
	srv.CmdHandle("/config", dev.OnConfig)
	srv.CmdHandle("/init", dev.OnInit)
	srv.CmdHandle("/reset", dev.OnReset)
	srv.CmdHandle("/start", dev.OnStart)
	srv.CmdHandle("/stop", dev.OnStop)
	srv.CmdHandle("/quit", dev.OnQuit)

	srv.OutputHandle("/bf-status", dev.status)

	srv.RunHandle(dev.run)

	err := srv.Run(context.Background())
	if err != nil {
		log.Panicf("error: %+v", err)
	}
}

type syncer struct {
	name  string
	fname string // configuration file

	cfg     config.Config
	pilot   bf.Pilot
	cache   *cache.Cache
	ports   []*board.Port
	drivers []*syncaction.Driver

	mu     sync.Mutex
	rounds int
	failed int // consecutive failed rounds
	alert  bool

	data chan []byte
	mon  *pmon.Process
}

func newSyncer(name, fname string) *syncer {
	return &syncer{
		name:  name,
		fname: fname,
		data:  make(chan []byte, 16),
	}
}

func (dev *syncer) OnConfig(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /config command...")

	cfg, err := config.Load(dev.fname)
	if err != nil {
		ctx.Msg.Errorf("could not load configuration: %+v", err)
		return fmt.Errorf("could not load configuration: %w", err)
	}

	if cfg.DB.Name != "" {
		err = layout(ctx.Ctx, &cfg)
		if err != nil {
			ctx.Msg.Errorf("could not retrieve station layout: %+v", err)
			return fmt.Errorf("could not retrieve station layout: %w", err)
		}
	}

	pilot, err := cfg.PilotPolicy()
	if err != nil {
		return fmt.Errorf("could not configure pilot: %w", err)
	}

	dev.cfg = cfg
	dev.pilot = pilot
	ctx.Msg.Infof(
		"station %q: boards=%d, blps/board=%d, bits=%d",
		cfg.Station, cfg.NrBoards, cfg.BLPsPerBoard, cfg.BitsPerSample,
	)
	return nil
}

// layout updates cfg with the station layout of the condition database.
func layout(ctx context.Context, cfg *config.Config) error {
	db, err := conddb.Open(
		cfg.DB.Name,
		conddb.WithHost(cfg.DB.Host),
		conddb.WithCredentials(cfg.DB.User, cfg.DB.Password),
	)
	if err != nil {
		return err
	}
	defer db.Close()

	st, err := db.Station(ctx, cfg.Station)
	if err != nil {
		return err
	}
	boards, err := db.Boards(ctx, cfg.Station)
	if err != nil {
		return err
	}
	if len(boards) != st.NrBoards {
		return fmt.Errorf(
			"station %q: invalid number of boards (got=%d, want=%d)",
			st.Name, len(boards), st.NrBoards,
		)
	}

	cfg.NrBoards = st.NrBoards
	cfg.BLPsPerBoard = st.BLPsPerBoard
	cfg.BitsPerSample = st.BitsPerSample
	cfg.Boards = cfg.Boards[:0]
	cfg.SwappedXY = cfg.SwappedXY[:0]
	for _, b := range boards {
		cfg.Boards = append(cfg.Boards, b.Addr)
		for blp := 0; blp < st.BLPsPerBoard; blp++ {
			if b.Swapped(blp) {
				cfg.SwappedXY = append(cfg.SwappedXY, b.ID*st.BLPsPerBoard+blp)
			}
		}
	}
	return cfg.Validate()
}

func (dev *syncer) OnInit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /init command...")

	dev.close(ctx)

	c, err := newCache(dev.cfg)
	if err != nil {
		ctx.Msg.Errorf("could not create weight cache: %+v", err)
		return fmt.Errorf("could not create weight cache: %w", err)
	}
	dev.cache = c

	for i, addr := range dev.cfg.Boards {
		port, err := board.Dial(ctx.Ctx, addr)
		if err != nil {
			ctx.Msg.Errorf("could not dial board %d: %+v", i, err)
			dev.close(ctx)
			return fmt.Errorf("could not dial board %d: %w", i, err)
		}
		dev.ports = append(dev.ports, port)

		actions, err := newActions(c, dev.cfg, dev.pilot, i)
		if err != nil {
			dev.close(ctx)
			return fmt.Errorf("could not create sequencers of board %d: %w", i, err)
		}
		dev.drivers = append(dev.drivers, syncaction.NewDriver(
			fmt.Sprintf("rsp-%02d", i), port, actions,
			syncaction.WithRetries(dev.cfg.Retries),
			syncaction.WithTimeout(dev.cfg.Timeout),
		))
		ctx.Msg.Infof("board %d (%s): OK", i, addr)
	}

	dev.mu.Lock()
	dev.rounds = 0
	dev.failed = 0
	dev.alert = false
	dev.mu.Unlock()

	return nil
}

// newCache creates the weight cache of the station, filled with the
// initial weights. All registers are marked for writing.
func newCache(cfg config.Config) (*cache.Cache, error) {
	c, err := cache.New(cfg.NrBLPs(), cfg.BitsPerSample)
	if err != nil {
		return nil, err
	}
	for _, gblp := range cfg.SwappedXY {
		err = c.SetSwappedXY(gblp, true)
		if err != nil {
			return nil, err
		}
	}
	ws := cfg.Weights()
	for gblp := 0; gblp < cfg.NrBLPs(); gblp++ {
		for pol := 0; pol < mep.NrPol; pol++ {
			err = c.SetWeights(gblp, pol, 0, ws)
			if err != nil {
				return nil, err
			}
		}
	}
	c.Swap()
	c.States().ModifiedAll()
	return c, nil
}

// newActions creates the sequencers of all the registers of a board.
func newActions(c *cache.Cache, cfg config.Config, pilot bf.Pilot, id int) ([]syncaction.Action, error) {
	var actions []syncaction.Action
	for blp := 0; blp < cfg.BLPsPerBoard; blp++ {
		for _, kind := range bf.Kinds() {
			seq, err := bf.NewSequencer(
				c, c.States(), id, blp, kind,
				bf.WithBLPsPerBoard(cfg.BLPsPerBoard),
				bf.WithPilot(pilot),
			)
			if err != nil {
				return nil, err
			}
			actions = append(actions, seq)
		}
	}
	return actions, nil
}

func (dev *syncer) OnReset(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /reset command...")
	dev.close(ctx)
	dev.cache = nil
	dev.drain()
	return nil
}

// drain drops the status snapshots not yet published.
// The channel itself is kept, as the status output handle may be reading it.
func (dev *syncer) drain() {
	for {
		select {
		case <-dev.data:
		default:
			return
		}
	}
}

func (dev *syncer) OnStart(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /start command...")
	if dev.cache == nil {
		return fmt.Errorf("could not start: not initialized")
	}
	if !dev.cfg.PMon.Enabled {
		return nil
	}

	p, err := pmon.Monitor(os.Getpid())
	if err != nil {
		ctx.Msg.Warnf("could not start self-monitoring: %+v", err)
		return nil
	}
	f, err := os.Create(dev.cfg.PMon.Output)
	if err != nil {
		ctx.Msg.Warnf("could not create pmon log file: %+v", err)
		return nil
	}
	p.W = f
	p.Freq = dev.cfg.PMon.Freq
	dev.mon = p

	go func() {
		defer f.Close()
		err := p.Run()
		if err != nil {
			ctx.Msg.Warnf("could not run self-monitoring: %+v", err)
		}
	}()
	return nil
}

func (dev *syncer) OnStop(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	dev.mu.Lock()
	n := dev.rounds
	dev.mu.Unlock()
	ctx.Msg.Debugf("received /stop command... -> rounds=%d", n)

	if dev.mon != nil {
		err := dev.mon.Kill()
		if err != nil {
			ctx.Msg.Warnf("could not stop self-monitoring: %+v", err)
		}
		dev.mon = nil
	}
	if dev.cache != nil {
		ctx.Msg.Infof("register states: %v", dev.cache.States())
	}
	return nil
}

func (dev *syncer) OnQuit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /quit command...")
	dev.close(ctx)
	return nil
}

func (dev *syncer) close(ctx tdaq.Context) {
	for i, port := range dev.ports {
		err := port.Close()
		if err != nil {
			ctx.Msg.Warnf("could not close board %d: %+v", i, err)
		}
	}
	dev.ports = nil
	dev.drivers = nil
}

func (dev *syncer) status(ctx tdaq.Context, dst *tdaq.Frame) error {
	select {
	case <-ctx.Ctx.Done():
		dst.Body = nil
		return nil
	case data := <-dev.data:
		dst.Body = data
	}
	return nil
}

func (dev *syncer) run(ctx tdaq.Context) error {
	if dev.cache == nil {
		return fmt.Errorf("could not run: not initialized")
	}
	loop := syncaction.Loop{
		Drivers: dev.drivers,
		Period:  dev.cfg.Period,
		Retry:   dev.cache.States().RetryErrors,
		Report: func(round int, stats []syncaction.Stats, err error) {
			dev.report(ctx, stats, err)
		},
	}
	return loop.Run(ctx.Ctx)
}

func (dev *syncer) report(ctx tdaq.Context, stats []syncaction.Stats, err error) {
	if err != nil {
		ctx.Msg.Errorf("round failed: %+v", err)
	}
	failed := err != nil
	for _, st := range stats {
		if st.Failed() {
			ctx.Msg.Warnf("%v", st)
			failed = true
		}
	}

	dev.mu.Lock()
	dev.rounds++
	round := dev.rounds
	if failed {
		dev.failed++
	} else {
		dev.failed = 0
		dev.alert = false
	}
	sendAlert := !dev.alert && shouldAlert(dev.cfg.Mail, dev.failed)
	if sendAlert {
		dev.alert = true
	}
	dev.mu.Unlock()

	states := dev.cache.States()
	raw, err := encodeStatus(dev.cfg.Station, round, states)
	if err != nil {
		ctx.Msg.Errorf("could not encode status: %+v", err)
	} else {
		select {
		case dev.data <- raw:
		default:
		}
	}

	if sendAlert {
		err = alertMail(dev.cfg.Mail, dev.cfg.Station, round, states)
		if err != nil {
			ctx.Msg.Errorf("could not send mail alert: %+v", err)
		}
	}
}
