package cmd

import (
	"fmt"
	"io"

	"github.com/paulmach/orb"
	"github.com/spf13/cobra"

	"github.com/wegman-software/osm-roadgrid/internal/config"
	"github.com/wegman-software/osm-roadgrid/internal/grid"
)

var (
	inspectCell    string
	inspectNode    int64
	inspectWay     int64
	inspectBBox    string
	inspectNearest string
	inspectK       int
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <snapshot>",
	Short: "Query a snapshot",
	Long: `Restore a snapshot and print its statistics and dangling report.

Queries:
  --cell lat,lon     nodes of the cell containing the point
  --node id          a node with its way references
  --way id           a way with its class, speed and node list
  --bbox ...         nodes inside minlon,minlat,maxlon,maxlat
  --nearest lat,lon  the --limit closest nodes`,
	Args: cobra.ExactArgs(1),
	Run:  runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)

	inspectCmd.Flags().StringVar(&inspectCell, "cell", "", "Show the cell containing lat,lon")
	inspectCmd.Flags().Int64Var(&inspectNode, "node", 0, "Show a node by id")
	inspectCmd.Flags().Int64Var(&inspectWay, "way", 0, "Show a way by id")
	inspectCmd.Flags().StringVar(&inspectBBox, "bbox", "", "List nodes inside minlon,minlat,maxlon,maxlat")
	inspectCmd.Flags().StringVar(&inspectNearest, "nearest", "", "List nodes nearest to lat,lon")
	inspectCmd.Flags().IntVarP(&inspectK, "limit", "k", 5, "Number of nearest nodes")
}

func runInspect(cmd *cobra.Command, args []string) {
	g := restoreSnapshot(cmd, args[0])
	out := cmd.OutOrStdout()

	printSummary(out, g)

	if inspectCell != "" {
		lat, lon, err := config.ParseLatLon(inspectCell)
		if err != nil {
			exitWithError("invalid --cell", err)
		}
		printCell(out, g, g.CellCoordinate(lat, lon))
	}
	if cmd.Flags().Changed("node") {
		printNode(out, g, inspectNode)
	}
	if cmd.Flags().Changed("way") {
		printWay(out, g, inspectWay)
	}
	if inspectBBox != "" {
		b, err := config.ParseBBox(inspectBBox)
		if err != nil {
			exitWithError("invalid --bbox", err)
		}
		nodes := g.NodesInBound(b)
		fmt.Fprintf(out, "\n%d nodes in bbox\n", len(nodes))
		for _, n := range nodes {
			fmt.Fprintf(out, "  node %d  %.7f,%.7f  ways %v\n", n.ID, n.Lat, n.Lon, n.WayRefs())
		}
	}
	if inspectNearest != "" {
		lat, lon, err := config.ParseLatLon(inspectNearest)
		if err != nil {
			exitWithError("invalid --nearest", err)
		}
		fmt.Fprintf(out, "\nnearest %d to %.7f,%.7f\n", inspectK, lat, lon)
		for _, nb := range g.Nearest(orb.Point{lon, lat}, inspectK) {
			fmt.Fprintf(out, "  node %d  %.1f m  ways %v\n", nb.Node.ID, nb.Distance, nb.Node.WayRefs())
		}
	}
}

func printSummary(out io.Writer, g *grid.Grid) {
	fmt.Fprintf(out, "resolution  %g\n", g.Resolution())
	fmt.Fprintf(out, "cells       %d\n", g.CellCount())
	fmt.Fprintf(out, "nodes       %d\n", g.NodeCount())
	fmt.Fprintf(out, "ways        %d\n", g.WayCount())

	report := g.Dangling()
	if report.Empty() && len(report.DegenerateWays) == 0 {
		fmt.Fprintln(out, "dangling    none")
		return
	}
	fmt.Fprintf(out, "dangling    %d refs to %d missing nodes in %d ways\n",
		report.UnresolvedRefs, report.MissingNodes, len(report.Ways))
	if len(report.DegenerateWays) > 0 {
		fmt.Fprintf(out, "degenerate  %v\n", report.DegenerateWays)
	}
}

func printCell(out io.Writer, g *grid.Grid, coord grid.CellCoord) {
	c, ok := g.Cell(coord)
	if !ok {
		fmt.Fprintf(out, "\ncell %s is empty\n", coord)
		return
	}
	fmt.Fprintf(out, "\ncell %s: %d nodes\n", coord, c.Len())
	for _, n := range c.Nodes() {
		fmt.Fprintf(out, "  node %d  %.7f,%.7f  ways %v\n", n.ID, n.Lat, n.Lon, n.WayRefs())
	}
}

func printNode(out io.Writer, g *grid.Grid, id int64) {
	n, ok := g.Node(id)
	if !ok {
		fmt.Fprintf(out, "\nnode %d not found\n", id)
		return
	}
	coord, _ := g.NodeCell(id)
	fmt.Fprintf(out, "\nnode %d  %.7f,%.7f  cell %s\n", n.ID, n.Lat, n.Lon, coord)
	fmt.Fprintf(out, "  ways %v\n", n.WayRefs())
	for _, t := range n.Tags {
		fmt.Fprintf(out, "  %s=%s\n", t.Key, t.Value)
	}
}

func printWay(out io.Writer, g *grid.Grid, id int64) {
	w, ok := g.Way(id)
	if !ok {
		fmt.Fprintf(out, "\nway %d not found\n", id)
		return
	}
	fmt.Fprintf(out, "\nway %d  class %s", w.ID, w.Class)
	if prior, ok := w.Class.Prior(); ok {
		fmt.Fprintf(out, "  prior %g", prior)
	}
	if speed, ok := w.MaxSpeed(); ok {
		fmt.Fprintf(out, "  maxspeed %d", speed)
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  nodes %v\n", w.NodeIDs)

	if _, missing, ok := g.WayGeometry(id); ok && len(missing) > 0 {
		fmt.Fprintf(out, "  missing %v\n", missing)
	}
	for _, t := range w.Tags {
		fmt.Fprintf(out, "  %s=%s\n", t.Key, t.Value)
	}
}
