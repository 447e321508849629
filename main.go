// Copyright 2022-2025 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"

	"parca.dev/memtrace/memtrace"
)

func main() {
	rootFlags := flag.NewFlagSet("memtrace", flag.ExitOnError)
	verbose := rootFlags.Bool("verbose", false, "enable debug logging")

	root := &ffcli.Command{
		Name:       "memtrace",
		ShortUsage: "memtrace [flags] <subcommand>",
		FlagSet:    rootFlags,
		Options:    []ff.Option{ff.WithEnvVarPrefix("MEMTRACE")},
		Subcommands: []*ffcli.Command{
			recordCommand(),
			readCommand(),
			reportCommand(),
			symbolizeCommand(),
		},
		Exec: func(context.Context, []string) error {
			return flag.ErrHelp
		},
	}

	if err := root.Parse(os.Args[1:]); err != nil {
		log.WithError(err).Fatal("failed to parse flags")
	}
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}
	if err := root.Run(context.Background()); err != nil {
		if err == flag.ErrHelp {
			os.Exit(2)
		}
		log.WithError(err).Fatal("command failed")
	}
}

// recordCommand runs a demo allocation workload under a tracker, streaming
// records to a file or to the first consumer that connects on -port.
func recordCommand() *ffcli.Command {
	fs := flag.NewFlagSet("memtrace record", flag.ExitOnError)
	output := fs.String("output", "", "capture file to write (mutually exclusive with -port)")
	port := fs.Int("port", 0, "TCP port to serve the record stream on")
	count := fs.Int("count", 100, "number of allocations to perform")
	size := fs.Uint64("size", 1024, "size of each allocation in bytes")

	return &ffcli.Command{
		Name:       "record",
		ShortUsage: "memtrace record (-output FILE | -port PORT) [-count N] [-size BYTES]",
		ShortHelp:  "Run a demo allocation workload under a tracker",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			dest, err := pickDestination(*output, *port)
			if err != nil {
				return err
			}

			tracker := memtrace.NewTracker(dest, nil)
			log.WithField("destination", dest.String()).Info("starting tracking session")
			if err := tracker.Start(); err != nil {
				return err
			}
			defer tracker.Stop()

			allocator := memtrace.NewMemoryAllocator()
			for i := 0; i < *count; i++ {
				allocator.Valloc(*size)
				allocator.Free()
			}
			log.WithField("count", *count).Info("workload complete")
			return nil
		},
	}
}

// readCommand connects a reader and prints records as they arrive.
func readCommand() *ffcli.Command {
	fs := flag.NewFlagSet("memtrace read", flag.ExitOnError)
	input := fs.String("input", "", "capture file to read (mutually exclusive with -port)")
	port := fs.Int("port", 0, "TCP port of the producer to connect to")
	host := fs.String("host", "localhost", "host of the producer")

	return &ffcli.Command{
		Name:       "read",
		ShortUsage: "memtrace read (-input FILE | -port PORT [-host HOST])",
		ShortHelp:  "Connect to a record stream and print each record",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			var reader *memtrace.Reader
			var err error
			switch {
			case *input != "" && *port == 0:
				reader, err = memtrace.NewFileReader(*input)
			case *input == "" && *port != 0:
				reader, err = memtrace.NewSocketReader(*host, *port)
			default:
				return fmt.Errorf("exactly one of -input and -port is required")
			}
			if err != nil {
				return err
			}
			defer reader.Close()

			n := 0
			for rec := range reader.Records() {
				n++
				site := ""
				if len(rec.StackTrace) > 0 {
					f := rec.StackTrace[0]
					site = fmt.Sprintf(" at %s (%s:%d)", f.Symbol, f.File, f.Line)
				}
				fmt.Printf("%s size=%d frames=%d%s\n", rec.Allocator, rec.Size, len(rec.StackTrace), site)
			}
			if err := reader.Err(); err != nil {
				return err
			}
			log.WithField("records", n).Info("stream ended")
			return nil
		},
	}
}

// reportCommand reads a capture file and writes aggregated outputs.
func reportCommand() *ffcli.Command {
	fs := flag.NewFlagSet("memtrace report", flag.ExitOnError)
	input := fs.String("input", "", "capture file to read")
	pprofOut := fs.String("pprof", "", "write an aggregated pprof profile to this path")
	sqliteOut := fs.String("sqlite", "", "write per-record rows to this SQLite database")
	top := fs.Int("top", 10, "print the top N allocation sites (with -sqlite)")

	return &ffcli.Command{
		Name:       "report",
		ShortUsage: "memtrace report -input FILE [-pprof OUT] [-sqlite OUT] [-top N]",
		ShortHelp:  "Aggregate a capture file into pprof and/or SQLite form",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			if *input == "" {
				return fmt.Errorf("-input is required")
			}
			if *pprofOut == "" && *sqliteOut == "" {
				return fmt.Errorf("at least one of -pprof and -sqlite is required")
			}

			if *pprofOut != "" {
				if err := writePprof(*input, *pprofOut); err != nil {
					return err
				}
			}
			if *sqliteOut != "" {
				if err := writeSqlite(*input, *sqliteOut, *top); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// symbolizeCommand resolves raw stack addresses against the executable of a
// running process, the same lookup the perf capture path performs per
// sample.
func symbolizeCommand() *ffcli.Command {
	fs := flag.NewFlagSet("memtrace symbolize", flag.ExitOnError)
	pid := fs.Int("pid", 0, "PID of the traced process")

	return &ffcli.Command{
		Name:       "symbolize",
		ShortUsage: "memtrace symbolize -pid PID ADDR...",
		ShortHelp:  "Resolve stack addresses against a running process's executable",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			if *pid <= 0 {
				return fmt.Errorf("-pid is required")
			}
			if len(args) == 0 {
				return fmt.Errorf("at least one address is required")
			}

			info, err := memtrace.ScanProcess(uint32(*pid))
			if err != nil {
				return err
			}
			log.WithFields(log.Fields{
				"comm":      info.Comm,
				"exe":       info.ExePath,
				"goversion": info.GoVersion,
			}).Info("scanned traced process")

			sym, err := memtrace.NewSymbolizer(info.ExePath)
			if err != nil {
				return err
			}

			addrs := make([]uint64, 0, len(args))
			for _, arg := range args {
				addr, err := strconv.ParseUint(strings.TrimPrefix(arg, "0x"), 16, 64)
				if err != nil {
					return fmt.Errorf("invalid address %q: %v", arg, err)
				}
				addrs = append(addrs, addr)
			}
			for i, frame := range sym.Frames(addrs) {
				fmt.Printf("%#x %s (%s:%d)\n", addrs[i], frame.Symbol, frame.File, frame.Line)
			}
			return nil
		},
	}
}

func writePprof(input, output string) error {
	reader, err := memtrace.NewFileReader(input)
	if err != nil {
		return err
	}
	defer reader.Close()

	rep := memtrace.NewPprofReporter()
	if err := memtrace.Report(reader, rep); err != nil {
		return err
	}

	f, err := os.Create(output)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := rep.WriteTo(f); err != nil {
		return err
	}
	log.WithField("path", output).Info("wrote pprof profile")
	return nil
}

func writeSqlite(input, output string, top int) error {
	reader, err := memtrace.NewFileReader(input)
	if err != nil {
		return err
	}
	defer reader.Close()

	store, err := memtrace.NewStore(output)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := memtrace.Report(reader, store); err != nil {
		return err
	}

	sites, err := store.TopAllocationSites(top)
	if err != nil {
		return err
	}
	for _, s := range sites {
		fmt.Printf("%10d bytes %8d allocs  %s (%s:%d)\n", s.Bytes, s.Count, s.Symbol, s.File, s.Line)
	}
	log.WithField("path", output).Info("wrote SQLite database")
	return nil
}

func pickDestination(output string, port int) (memtrace.Destination, error) {
	switch {
	case output != "" && port == 0:
		return memtrace.FileDestination{Path: output}, nil
	case output == "" && port != 0:
		return memtrace.SocketDestination{Port: port}, nil
	default:
		return nil, fmt.Errorf("exactly one of -output and -port is required")
	}
}
