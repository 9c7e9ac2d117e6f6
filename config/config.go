// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config loads the configuration of a beamformer synchronization
// process from a TOML file.
package config // import "github.com/go-lpc/rsp/config"

import (
	"fmt"
	"time"

	"github.com/go-lpc/rsp/bf"
	"github.com/go-lpc/rsp/mep"
	"github.com/spf13/viper"
)

// Config describes a station and how its beamformer weights are written.
type Config struct {
	Station       string   `mapstructure:"station"`
	NrBoards      int      `mapstructure:"nboards"`
	BLPsPerBoard  int      `mapstructure:"blps_per_board"`
	BitsPerSample int      `mapstructure:"bits_per_sample"`
	SwappedXY     []int    `mapstructure:"swapped_xy"` // global BLPs with swapped inputs
	Boards        []string `mapstructure:"boards"`     // board addresses

	Period  time.Duration `mapstructure:"period"`
	Timeout time.Duration `mapstructure:"timeout"`
	Retries int           `mapstructure:"retries"`
	Pilot   string        `mapstructure:"pilot"` // "", "index" or "index-blp"

	// Weight is the initial weight of all beamlets.
	Weight struct {
		Re int16 `mapstructure:"re"`
		Im int16 `mapstructure:"im"`
	} `mapstructure:"weight"`

	DB   DB   `mapstructure:"db"`
	Mail Mail `mapstructure:"mail"`
	PMon PMon `mapstructure:"pmon"`
}

// DB configures the connection to the condition database.
type DB struct {
	Name     string `mapstructure:"name"` // empty to disable
	Host     string `mapstructure:"host"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

// Mail configures the alerts sent when registers stay in error.
type Mail struct {
	Server   string   `mapstructure:"server"` // empty to disable
	Port     int      `mapstructure:"port"`
	User     string   `mapstructure:"user"`
	Password string   `mapstructure:"password"`
	From     string   `mapstructure:"from"`
	To       []string `mapstructure:"to"`
	After    int      `mapstructure:"after"` // failed rounds before an alert
}

// PMon configures the self-monitoring of the process.
type PMon struct {
	Enabled bool          `mapstructure:"enabled"`
	Freq    time.Duration `mapstructure:"freq"`
	Output  string        `mapstructure:"output"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("blps_per_board", 4)
	v.SetDefault("bits_per_sample", 16)
	v.SetDefault("period", "1s")
	v.SetDefault("timeout", "500ms")
	v.SetDefault("retries", 3)
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.user", "rsp")
	v.SetDefault("mail.port", 587)
	v.SetDefault("mail.after", 3)
	v.SetDefault("pmon.freq", "1s")
	v.SetDefault("pmon.output", "rsp-bfsync-pmon.log")
}

// Load reads the configuration file fname.
func Load(fname string) (Config, error) {
	var cfg Config

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(fname)

	err := v.ReadInConfig()
	if err != nil {
		return cfg, fmt.Errorf("config: could not read %q: %w", fname, err)
	}

	err = v.Unmarshal(&cfg)
	if err != nil {
		return cfg, fmt.Errorf("config: could not decode %q: %w", fname, err)
	}

	if cfg.NrBoards == 0 {
		cfg.NrBoards = len(cfg.Boards)
	}

	err = cfg.Validate()
	if err != nil {
		return cfg, fmt.Errorf("config: invalid configuration %q: %w", fname, err)
	}
	return cfg, nil
}

// NrBLPs returns the number of BLPs of the station.
func (cfg Config) NrBLPs() int {
	return cfg.NrBoards * cfg.BLPsPerBoard
}

// Validate checks the consistency of the configuration.
func (cfg Config) Validate() error {
	switch {
	case cfg.NrBoards <= 0:
		return fmt.Errorf("no board")
	case len(cfg.Boards) != 0 && len(cfg.Boards) != cfg.NrBoards:
		return fmt.Errorf(
			"number of board addresses (%d) does not match number of boards (%d)",
			len(cfg.Boards), cfg.NrBoards,
		)
	case cfg.BLPsPerBoard <= 0 || cfg.BLPsPerBoard > 8:
		return fmt.Errorf("invalid number of BLPs per board %d", cfg.BLPsPerBoard)
	case cfg.Period <= 0:
		return fmt.Errorf("invalid period %v", cfg.Period)
	case cfg.Timeout <= 0:
		return fmt.Errorf("invalid timeout %v", cfg.Timeout)
	case cfg.Retries < 0:
		return fmt.Errorf("invalid number of retries %d", cfg.Retries)
	}

	if _, err := bf.NrBanks(cfg.BitsPerSample); err != nil {
		return err
	}

	for _, gblp := range cfg.SwappedXY {
		if gblp < 0 || gblp >= cfg.NrBLPs() {
			return fmt.Errorf("invalid swapped BLP %d", gblp)
		}
	}

	if _, err := cfg.PilotPolicy(); err != nil {
		return err
	}

	if cfg.Mail.Server != "" && len(cfg.Mail.To) == 0 {
		return fmt.Errorf("no mail recipient")
	}

	return nil
}

// PilotPolicy returns the self-correlation pilot policy.
// A nil policy disables the pilot.
func (cfg Config) PilotPolicy() (bf.Pilot, error) {
	switch cfg.Pilot {
	case "", "none":
		return nil, nil
	case "index":
		return bf.PilotAtIndex, nil
	case "index-blp":
		return bf.PilotAtIndexBLP, nil
	default:
		return nil, fmt.Errorf("invalid pilot policy %q", cfg.Pilot)
	}
}

// Weights returns the initial weights of all the beamlets of one
// polarization of a BLP.
func (cfg Config) Weights() []bf.Weight {
	ws := make([]bf.Weight, mep.MaxNrBanks*mep.NrBeamlets)
	w := bf.Weight{Re: cfg.Weight.Re, Im: cfg.Weight.Im}
	for i := range ws {
		ws[i] = w
	}
	return ws
}
