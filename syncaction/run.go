// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package syncaction

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"
)

// RunRound runs one round of all the drivers concurrently.
// Stats are returned in the order of the drivers, even on error.
func RunRound(ctx context.Context, drivers []*Driver) ([]Stats, error) {
	var (
		grp   errgroup.Group
		stats = make([]Stats, len(drivers))
	)
	for i := range drivers {
		i := i
		grp.Go(func() error {
			var err error
			stats[i], err = drivers[i].Round(ctx)
			return err
		})
	}
	err := grp.Wait()
	return stats, err
}

// Loop runs rounds of drivers periodically.
type Loop struct {
	Drivers []*Driver
	Period  time.Duration

	// Retry is called before each round, to mark failed registers
	// for another write.
	Retry func() int

	// Report is called after each round.
	Report func(round int, stats []Stats, err error)
}

// Run runs rounds until ctx is done.
// Failing rounds do not stop the loop.
func (loop Loop) Run(ctx context.Context) error {
	period := loop.Period
	if period <= 0 {
		period = 1 * time.Second
	}
	tick := time.NewTicker(period)
	defer tick.Stop()

	for round := 0; ; round++ {
		if loop.Retry != nil {
			loop.Retry()
		}
		stats, err := RunRound(ctx, loop.Drivers)
		if ctx.Err() != nil {
			return nil
		}
		if loop.Report != nil {
			loop.Report(round, stats, err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}
	}
}

// Run runs rounds of drivers every period, until ctx is done.
// retry, if not nil, is called before each round.
func Run(ctx context.Context, drivers []*Driver, period time.Duration, retry func() int) error {
	loop := Loop{
		Drivers: drivers,
		Period:  period,
		Retry:   retry,
		Report: func(round int, stats []Stats, err error) {
			for i, st := range stats {
				if err != nil || st.Failed() {
					drivers[i].msg.Printf("round %d: %v", round, st)
				}
			}
			if err != nil && !errors.Is(err, context.Canceled) && len(drivers) > 0 {
				drivers[0].msg.Printf("round %d: %+v", round, err)
			}
		},
	}
	return loop.Run(ctx)
}
