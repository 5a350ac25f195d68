// Copyright 2024 The Fragcache Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
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

	"github.com/google/subcommands"

	"github.com/fragcache/fragcache/pkg/cachemem"
	"github.com/fragcache/fragcache/pkg/config"
	"github.com/fragcache/fragcache/pkg/emitter"
	"github.com/fragcache/fragcache/pkg/fragment"
	"github.com/fragcache/fragcache/pkg/isa"
	"github.com/fragcache/fragcache/pkg/linker"
	"github.com/fragcache/fragcache/pkg/stubheap"
)

// core bundles every collaborator a demo command needs; each command
// builds its own so repeated invocations within one process (via
// subcommands' single-binary multi-command dispatch) never share
// state.
type core struct {
	table  *fragment.Table
	region *cachemem.Region
	stubs  *stubheap.Heap
	link   *linker.Linker
	emit   *emitter.Emitter
}

func newCore() (*core, error) {
	cfg := config.Defaults()
	table := fragment.NewTable()
	region, err := cachemem.New(cfg.CodeCacheBytes)
	if err != nil {
		return nil, fmt.Errorf("cachemem.New: %w", err)
	}
	stubs, err := stubheap.New(cfg.StubBlockSize, cfg.StubBlockCount)
	if err != nil {
		region.Close()
		return nil, fmt.Errorf("stubheap.New: %w", err)
	}
	l := linker.New(table, demoISA{}, demoPlatform{})
	em := emitter.New(table, region, stubs, l, demoISA{}, demoPlatform{})
	return &core{table: table, region: region, stubs: stubs, link: l, emit: em}, nil
}

func (c *core) Close() {
	c.stubs.Close()
	c.region.Close()
}

// directExitIList builds a synthetic one-instruction fragment body
// whose single instruction is a direct exit cti to target.
func directExitIList(target isa.Tag) isa.IList {
	return isa.IList{
		Instrs: []isa.Instr{{Opaque: demoInstr{exit: true}, Length: 5}},
		Exits:  []isa.ExitCTI{{Index: 0, Kind: isa.CTIDirect, Target: target}},
	}
}

// buildCmd demonstrates emitting two fragments where the first is
// built before its target, forcing a Future, then watching the second
// emission resolve and link it.
type buildCmd struct{}

func (*buildCmd) Name() string     { return "build" }
func (*buildCmd) Synopsis() string { return "emit two linked synthetic fragments" }
func (*buildCmd) Usage() string    { return "build\n" }
func (*buildCmd) SetFlags(*flag.FlagSet) {}

func (*buildCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	c, err := newCore()
	if err != nil {
		fatal(err)
		return subcommands.ExitFailure
	}
	defer c.Close()

	const (
		tagA isa.Tag = 0x1000
		tagB isa.Tag = 0x2000
	)

	fragA, err := c.emit.Emit(tagA, directExitIList(tagB), emitter.EmitOptions{Sharing: fragment.Shared, Link: true})
	if err != nil {
		fatal(err)
		return subcommands.ExitFailure
	}
	fmt.Printf("emitted %s (exit to %s unresolved, table len=%d)\n", fragA, tagB, c.table.Len())

	fragB, err := c.emit.Emit(tagB, directExitIList(0), emitter.EmitOptions{Sharing: fragment.Shared, Link: true})
	if err != nil {
		fatal(err)
		return subcommands.ExitFailure
	}
	fmt.Printf("emitted %s (incoming count=%d, table len=%d)\n", fragB, fragB.IncomingCount(), c.table.Len())
	fmt.Printf("fragA linked-outgoing=%v\n", fragA.Flags().Has(fragment.FlagLinkedOutgoing))
	return subcommands.ExitSuccess
}

// statsCmd prints the default tunables, for inspecting what a fresh
// core starts with.
type statsCmd struct{}

func (*statsCmd) Name() string     { return "stats" }
func (*statsCmd) Synopsis() string { return "print default tunables" }
func (*statsCmd) Usage() string    { return "stats\n" }
func (*statsCmd) SetFlags(*flag.FlagSet) {}

func (*statsCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	cfg := config.Defaults()
	fmt.Printf("%+v\n", cfg)
	return subcommands.ExitSuccess
}
