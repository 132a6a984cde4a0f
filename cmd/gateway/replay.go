package main

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"medlink/gateway/internal/replay"
)

func replayCommand() *cli.Command {
	return &cli.Command{
		Name:      "replay",
		Usage:     "Feed a hex capture through one device pipeline and print what it produces",
		ArgsUsage: "<capture.hex>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "protocol",
				Aliases:  []string{"p"},
				Usage:    "Catalog protocol of the capture",
				Required: true,
			},
			&cli.IntFlag{
				Name:  "chunk",
				Usage: "Bytes per feed, 0 for the whole capture at once",
				Value: 20,
			},
			&cli.DurationFlag{
				Name:  "interval",
				Usage: "Simulated time between chunks",
				Value: 10 * time.Millisecond,
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML config file with protocol overrides",
			},
		},
		Action: replayAction,
	}
}

func replayAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("replay takes exactly one capture file", 2)
	}
	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	spec, err := cfg.Spec(c.String("protocol"))
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}

	f, err := os.Open(c.Args().First())
	if err != nil {
		return err
	}
	defer f.Close()
	data, err := replay.ReadCapture(f)
	if err != nil {
		return err
	}

	sum, err := replay.Run(data, c.App.Writer, replay.Options{
		Spec:      spec,
		Chunk:     c.Int("chunk"),
		Interval:  c.Duration("interval"),
		MaxBuffer: cfg.Engine.MaxBuffer,
	})
	if err != nil {
		return err
	}

	st := sum.Stats
	w := c.App.ErrWriter
	fmt.Fprintf(w, "%s: %s in %s chunks over %s\n",
		sum.Protocol, humanize.Bytes(uint64(st.BytesIn)), humanize.Comma(int64(sum.Chunks)), sum.Elapsed)
	fmt.Fprintf(w, "  frames %s, packets %s, resync %s\n",
		humanize.Comma(st.Scanner.Frames), humanize.Comma(st.Packets), humanize.Bytes(uint64(st.Scanner.ResyncBytes)))
	fmt.Fprintf(w, "  checksum failures %d, length failures %d, overflows %d\n",
		st.Scanner.ChecksumFailures, st.Scanner.LengthFailures, st.Overflows)
	fmt.Fprintf(w, "  loss opened %d, recovered %d, abandoned %d, retries %d, resets %d\n",
		st.LossOpened, st.LossRecovered, st.LossAbandoned, st.RetriesSent, st.SequenceResets)
	return nil
}
