// Copyright 2024 The mrbgpdv2 Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command mrbgpd runs a single BGP-4 peering session. The neighbor is
// configured either with a TOML file or with a one line positional config:
//
//	mrbgpd 64512 10.200.100.2 64513 10.200.100.3 active 10.100.220.0/24
//
// Routes selected from the peer are installed into the kernel routing table
// unless --no-install is given.
package main

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/Miyoshi-Ryota/mrbgpdv2/bgp"
)

type options struct {
	ConfigFile string `short:"f" long:"config-file" description:"TOML neighbor config; mutually exclusive with the positional config"`
	LogLevel   string `long:"log-level" default:"info" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"log verbosity"`
	LogPlain   bool   `long:"log-plain" description:"use plain text log output instead of JSON"`
	NoInstall  bool   `long:"no-install" description:"do not touch the kernel routing table"`
}

// fileConfig is the TOML form of a neighbor config.
type fileConfig struct {
	LocalAS     uint16   `toml:"local-as"`
	LocalIP     string   `toml:"local-ip"`
	RemoteAS    uint16   `toml:"remote-as"`
	RemoteIP    string   `toml:"remote-ip"`
	Mode        string   `toml:"mode"`
	Networks    []string `toml:"networks"`
	HoldTime    int      `toml:"hold-time"`
	MD5Password string   `toml:"md5-password"`
}

func (fc fileConfig) config() (bgp.Config, error) {
	var cfg bgp.Config
	var err error
	cfg.LocalAS = fc.LocalAS
	cfg.RemoteAS = fc.RemoteAS
	if cfg.LocalIP, err = netip.ParseAddr(fc.LocalIP); err != nil {
		return cfg, fmt.Errorf("local-ip: %w", err)
	}
	if cfg.RemoteIP, err = netip.ParseAddr(fc.RemoteIP); err != nil {
		return cfg, fmt.Errorf("remote-ip: %w", err)
	}
	if cfg.Mode, err = bgp.ParseMode(fc.Mode); err != nil {
		return cfg, err
	}
	for _, n := range fc.Networks {
		p, err := netip.ParsePrefix(n)
		if err != nil {
			return cfg, fmt.Errorf("networks: %w", err)
		}
		cfg.Networks = append(cfg.Networks, p)
	}
	if fc.HoldTime > 0 {
		cfg.HoldTime = time.Duration(fc.HoldTime) * time.Second
	}
	cfg.MD5Password = fc.MD5Password
	return cfg, nil
}

func loadConfig(opts options, args []string) (bgp.Config, error) {
	if opts.ConfigFile != "" {
		if len(args) > 0 {
			return bgp.Config{}, fmt.Errorf("both --config-file and a positional config were given")
		}
		var fc fileConfig
		if _, err := toml.DecodeFile(opts.ConfigFile, &fc); err != nil {
			return bgp.Config{}, fmt.Errorf("read %s: %w", opts.ConfigFile, err)
		}
		return fc.config()
	}
	if len(args) == 0 {
		return bgp.Config{}, fmt.Errorf("no neighbor configured; pass --config-file or a positional config")
	}
	return bgp.ParseConfig(strings.Join(args, " "))
}

func newLogger(opts options) (*logrus.Logger, error) {
	logger := logrus.New()
	level, err := logrus.ParseLevel(opts.LogLevel)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)
	if !opts.LogPlain {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger, nil
}

func run() error {
	var opts options
	args, err := flags.Parse(&opts)
	if err != nil {
		if flags.WroteHelp(err) {
			return nil
		}
		return err
	}

	logger, err := newLogger(opts)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(opts, args)
	if err != nil {
		return err
	}

	installer := newInstaller(opts.NoInstall)
	peer, err := bgp.NewPeer(cfg,
		bgp.WithLogger(logger),
		bgp.WithInstaller(installer),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.WithFields(logrus.Fields{
		"local-as":  cfg.LocalAS,
		"remote-as": cfg.RemoteAS,
		"peer":      cfg.RemoteIP.String(),
		"mode":      cfg.Mode.String(),
	}).Info("starting bgp session")

	peer.Start()
	if err := peer.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("shutting down")
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "mrbgpd:", err)
		os.Exit(1)
	}
}
