package main

import (
	"fmt"
	"math"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/skyatlas/hipsview/internal/camera"
	"github.com/skyatlas/hipsview/internal/healpix"
	"github.com/skyatlas/hipsview/internal/view"
)

type cellsOptions struct {
	lon, lat, fov float64
	width, height int
	tileSize      int
	maxDepth      int
	frame         string
	limit         int
}

func newCellsCommand() *cobra.Command {
	var opts cellsOptions
	cmd := &cobra.Command{
		Use:   "cells",
		Short: "Print the HEALPix cells a camera sees",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printCells(cmd, opts)
		},
	}
	f := cmd.Flags()
	f.Float64Var(&opts.lon, "lon", 0, "Camera longitude in degrees")
	f.Float64Var(&opts.lat, "lat", 0, "Camera latitude in degrees")
	f.Float64Var(&opts.fov, "fov", 180, "Horizontal field of view in degrees")
	f.IntVar(&opts.width, "width", 1280, "Screen width in pixels")
	f.IntVar(&opts.height, "height", 800, "Screen height in pixels")
	f.IntVar(&opts.tileSize, "tile-size", 512, "Tile width of the survey")
	f.IntVar(&opts.maxDepth, "max-depth", 9, "Deepest order of the survey")
	f.StringVar(&opts.frame, "frame", "equatorial", "Survey frame (equatorial or galactic)")
	f.IntVar(&opts.limit, "limit", 0, "Print at most this many cells (0 prints all)")
	return cmd
}

func printCells(cmd *cobra.Command, opts cellsOptions) error {
	if opts.fov <= 0 || opts.width <= 0 || opts.height <= 0 {
		return fmt.Errorf("fov, width and height must be positive")
	}
	if opts.maxDepth < 0 || opts.maxDepth > healpix.MaxDepth {
		return fmt.Errorf("max-depth must be in [0, %d]", healpix.MaxDepth)
	}
	if opts.tileSize <= 0 || opts.tileSize&(opts.tileSize-1) != 0 {
		return fmt.Errorf("tile-size must be a positive power of two, got %d", opts.tileSize)
	}
	frame, err := camera.ParseFrame(opts.frame)
	if err != nil {
		return err
	}
	cam := camera.New(opts.lon*math.Pi/180, opts.lat*math.Pi/180, opts.fov*math.Pi/180,
		float64(opts.width), float64(opts.height))

	v := view.New()
	v.Refresh(opts.tileSize, uint8(opts.maxDepth), camera.InFrame(cam, frame))

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "depth %d, %d cells\n", v.Depth(), v.Len())
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DEPTH\tINDEX\tUNIQ")
	for i, c := range v.Cells() {
		if opts.limit > 0 && i >= opts.limit {
			break
		}
		fmt.Fprintf(w, "%d\t%d\t%d\n", c.Depth, c.Index, c.Uniq())
	}
	return w.Flush()
}
