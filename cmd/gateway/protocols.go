package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"medlink/gateway/internal/adapter"
)

func protocolsCommand() *cli.Command {
	return &cli.Command{
		Name:   "protocols",
		Usage:  "List the device protocols in the catalog",
		Action: protocolsAction,
	}
}

func protocolsAction(c *cli.Context) error {
	tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tMAX FRAME\tCHECKSUM\tRESYNC\tSEQUENCED\tSEGMENTS")
	for _, name := range adapter.Names() {
		spec, err := adapter.Lookup(name, adapter.Options{})
		if err != nil {
			return err
		}
		segments := "-"
		if s := spec.Segments; s != nil {
			segments = fmt.Sprintf("%dx%d of %v", s.Count, s.Size, s.Channels)
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%t\t%s\n",
			name, spec.MaxFrame, spec.Checksum.Kind, spec.Resync, spec.Sequence != nil, segments)
	}
	return tw.Flush()
}
