// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"crypto/tls"
	"fmt"

	"github.com/go-daq/tdaq"
	"github.com/go-lpc/rsp/bf"
	"github.com/go-lpc/rsp/cache"
	"github.com/go-lpc/rsp/config"
	mail "gopkg.in/gomail.v2"
)

var allStates = []bf.State{bf.Idle, bf.Modified, bf.Pending, bf.Confirmed, bf.Error}

// encodeStatus encodes the register states of a station after a round.
func encodeStatus(station string, round int, rs *cache.RegisterState) ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := tdaq.NewEncoder(buf)
	enc.WriteStr(station)
	enc.WriteU32(uint32(round))
	enc.WriteU32(uint32(rs.Len()))
	for _, st := range allStates {
		enc.WriteU32(uint32(rs.Count(st)))
	}
	enc.WriteStr(rs.String())
	if err := enc.Err(); err != nil {
		return nil, fmt.Errorf("could not encode status: %w", err)
	}
	return buf.Bytes(), nil
}

type status struct {
	station string
	round   int
	n       int
	counts  map[bf.State]int
	regs    string
}

func decodeStatus(raw []byte) (status, error) {
	var (
		dec = tdaq.NewDecoder(bytes.NewReader(raw))
		st  = status{counts: make(map[bf.State]int)}
	)
	st.station = dec.ReadStr()
	st.round = int(dec.ReadU32())
	st.n = int(dec.ReadU32())
	for _, v := range allStates {
		st.counts[v] = int(dec.ReadU32())
	}
	st.regs = dec.ReadStr()
	if err := dec.Err(); err != nil {
		return st, fmt.Errorf("could not decode status: %w", err)
	}
	return st, nil
}

// shouldAlert returns whether an alert should be sent after n consecutive
// failed rounds.
func shouldAlert(cfg config.Mail, n int) bool {
	return cfg.Server != "" && cfg.After > 0 && n >= cfg.After
}

func alertMail(cfg config.Mail, station string, round int, rs *cache.RegisterState) error {
	msg := mail.NewMessage()
	from := cfg.From
	if from == "" {
		from = cfg.User
	}
	msg.SetHeader("From", from)
	msg.SetHeader("Bcc", cfg.To...)
	msg.SetHeader("Subject", fmt.Sprintf("[rsp-bfsync] beamformer alert: %q", station))
	msg.SetBody("text/plain", fmt.Sprintf(
		"station: %q\nround: %d\nregisters in error: %d/%d\nstates: %s",
		station, round, rs.Count(bf.Error), rs.Len(), rs,
	))

	dial := mail.NewDialer(cfg.Server, cfg.Port, cfg.User, cfg.Password)
	dial.TLSConfig = &tls.Config{
		InsecureSkipVerify: true,
	}
	return dial.DialAndSend(msg)
}
