// Copyright 2023 LiveKit, Inc.
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
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/livekit/xrstream/pkg/config"
	"github.com/livekit/xrstream/pkg/simulator"
)

func simulate(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}

	sim, err := simulator.New(simulator.Params{
		Config: config.NewProvider(conf),
		Seed:   c.Uint64("seed"),
	})
	if err != nil {
		return err
	}
	sim.Start()
	defer sim.Stop()

	if err := sim.RunFrames(context.Background(), c.Int("frames")); err != nil {
		return err
	}
	res := sim.Result()

	table := tablewriter.NewWriter(c.App.Writer)
	table.SetRowLine(true)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{
		"Start", "Duration",
		"Bitrate", "Framerate",
		"Frames\nSent / Lost",
		"Network Latency\nMax Queue",
	})
	table.SetColumnAlignment([]int{
		tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_RIGHT,
	})

	for _, s := range res.Samples {
		table.Append([]string{
			s.At.String(), s.Duration.String(),
			siBps(float64(s.BitrateBps)), fmt.Sprintf("%.1f", s.Framerate),
			fmt.Sprintf("%s / %s", humanize.Comma(int64(s.FramesSent)), humanize.Comma(int64(s.FramesLost))),
			fmt.Sprintf("%s\n%s", s.NetworkLatency, s.MaxQueueDelay),
		})
	}
	table.Render()

	_, err = fmt.Fprintf(c.App.Writer,
		"streamed %s frames in %s, %s delivered, %s lost (%s of %s shards), final bitrate %s\n",
		humanize.Comma(int64(res.FramesSent)),
		res.Elapsed,
		humanize.Comma(int64(res.FramesDelivered)),
		humanize.Comma(int64(res.FramesLost)),
		humanize.Comma(int64(res.ShardsLost)),
		humanize.Comma(int64(res.ShardsSent)),
		siBps(float64(res.BitrateBps)),
	)
	return err
}

func siBps(bps float64) string {
	return strings.TrimSpace(humanize.SIWithDigits(bps, 2, "bps"))
}

func printConfig(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(conf)
	if err != nil {
		return err
	}
	_, err = c.App.Writer.Write(out)
	return err
}

func helpVerbose(c *cli.Context) error {
	generatedFlags, err := config.GenerateCLIFlags(baseFlags, false)
	if err != nil {
		return err
	}

	c.App.Flags = append(baseFlags, generatedFlags...)
	return cli.ShowAppHelp(c)
}
