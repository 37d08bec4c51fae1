/*
 * Copyright 2025 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// heaptrace replays allocation traces against a first-fit free-list heap.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/cloudwego/mheap/internal/trace"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("heaptrace failed")
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "heaptrace",
		Usage: "replay allocation traces against a free-list heap",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "log every alloc and free",
			},
		},
		Before: func(ctx *cli.Context) error {
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
			if ctx.Bool("verbose") {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
			return nil
		},
		Commands: []*cli.Command{{
			Name:      "run",
			Usage:     "replay a trace and print the resulting free list",
			ArgsUsage: "<trace.yaml>",
			Flags: []cli.Flag{
				&cli.IntFlag{
					Name:  "heap-size",
					Usage: "arena size in bytes, overrides the trace's heap_size",
				},
				&cli.BoolFlag{
					Name:  "pooled",
					Usage: "borrow the arena from the buffer pool",
				},
				&cli.BoolFlag{
					Name:  "verify",
					Usage: "check the free list after every op",
					Value: true,
				},
				&cli.BoolFlag{
					Name:  "json",
					Usage: "print the report as JSON",
				},
			},
			Action: withScript(run),
		}, {
			Name:      "check",
			Usage:     "parse and validate a trace without running it",
			ArgsUsage: "<trace.yaml>",
			Action: withScript(func(s *trace.Script, ctx *cli.Context) error {
				log.Info().Str("name", s.Name).Int("ops", len(s.Ops)).Msg("trace is valid")
				return nil
			}),
		}},
	}
}

func run(s *trace.Script, ctx *cli.Context) error {
	opt := trace.DefaultOption()
	opt.HeapSize = ctx.Int("heap-size")
	opt.Pooled = ctx.Bool("pooled")
	opt.VerifyEachStep = ctx.Bool("verify")

	h, err := trace.NewHeap(s, opt)
	if err != nil {
		return fmt.Errorf("creating heap: %w", err)
	}
	defer h.Release()

	rep, runErr := trace.NewRunner(h, log.Logger, opt).Run(s)
	if err := printReport(rep, ctx.Bool("json")); err != nil {
		return err
	}
	return runErr
}

func printReport(rep *trace.Report, asJSON bool) error {
	if asJSON {
		data, err := json.MarshalIndent(rep, "", "  ")
		if err != nil {
			return fmt.Errorf("marshaling report to JSON: %w", err)
		}
		if _, err := fmt.Printf("%s\n", data); err != nil {
			return fmt.Errorf("writing JSON to stdout: %w", err)
		}
		return nil
	}
	fmt.Printf("steps=%d allocs=%d frees=%d ooms=%d violations=%d live=%d\n",
		rep.Steps, rep.Allocs, rep.Frees, rep.OOMs, rep.Violations, rep.Live)
	fmt.Printf("size=%d available=%d fingerprint=%016x\n", rep.Size, rep.Available, rep.Fingerprint)
	for _, r := range rep.Regions {
		fmt.Printf("  free [%d, %d) %d bytes\n", r.Addr, r.End(), r.Size)
	}
	return nil
}

func withScript(f func(*trace.Script, *cli.Context) error) cli.ActionFunc {
	return func(ctx *cli.Context) error {
		path := ctx.Args().First()
		if path == "" {
			return fmt.Errorf("missing trace file")
		}
		s, err := trace.LoadFile(path)
		if err != nil {
			return fmt.Errorf("loading %s: %w", path, err)
		}
		return f(s, ctx)
	}
}
