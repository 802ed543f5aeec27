// nandctl inspects and manipulates NAND chip images and, on Linux,
// SPI-attached chips. Raw files hold the bare array and are what the
// simulator runs on; chip images (see imageutil) are the compressed
// interchange format.
package main

import (
	"fmt"
	"log"
	"os"
	"text/tabwriter"

	"github.com/nandkit/nandkit"
	"github.com/nandkit/nandkit/ftl"
	"github.com/nandkit/nandkit/imageutil"
	"github.com/nandkit/nandkit/nandsim"
	"github.com/nandkit/nandkit/spinand"
	"github.com/urfave/cli/v2"
)

var geometryFlags = []cli.Flag{
	&cli.UintFlag{
		Name:  "page-size",
		Usage: "page size in bytes",
		Value: 2048,
	},
	&cli.UintFlag{
		Name:  "pages-per-block",
		Usage: "pages per erase block",
		Value: 64,
	},
	&cli.UintFlag{
		Name:  "blocks",
		Usage: "number of erase blocks",
		Value: 1024,
	},
}

var app = &cli.App{
	Usage: "Inspect and manipulate NAND chips and chip images",
	Commands: []*cli.Command{
		{
			Name:   "devices",
			Usage:  "List the known SPI NAND parts",
			Action: listDevices,
		},
		{
			Name:      "info",
			Usage:     "Print the geometry recorded in a chip image",
			Action:    imageInfo,
			ArgsUsage: "IMAGE",
		},
		{
			Name:      "create",
			Usage:     "Create an erased raw chip file",
			Action:    createRaw,
			Flags:     geometryFlags,
			ArgsUsage: "RAW_FILE",
		},
		{
			Name:      "map",
			Usage:     "Build a translation layer over a raw chip file and print its mapping",
			Action:    printMapping,
			ArgsUsage: "RAW_FILE",
			Flags: append([]cli.Flag{
				&cli.UintFlag{
					Name:  "logical-blocks",
					Usage: "logical capacity in blocks (default: 7/8 of the chip)",
				},
			}, geometryFlags...),
		},
		{
			Name:      "dump",
			Usage:     "Capture a raw chip file into a compressed chip image",
			Action:    dumpImage,
			Flags:     geometryFlags,
			ArgsUsage: "RAW_FILE IMAGE",
		},
		{
			Name:      "restore",
			Usage:     "Program a chip image onto a raw chip file",
			Action:    restoreImage,
			ArgsUsage: "IMAGE RAW_FILE",
		},
	},
}

func main() {
	if err := app.Run(os.Args); err != nil {
		log.Fatalf("fatal error: %s", err.Error())
	}
}

func geometryOf(c *cli.Context) nandkit.Geometry {
	return nandkit.Geometry{
		PageSize:      uint32(c.Uint("page-size")),
		PagesPerBlock: uint32(c.Uint("pages-per-block")),
		BlockCount:    uint32(c.Uint("blocks")),
	}
}

func requireArgs(c *cli.Context, names ...string) error {
	if c.NArg() != len(names) {
		return fmt.Errorf("expected arguments: %v", names)
	}
	return nil
}

// openRaw opens an existing raw chip file and checks that its size matches
// the geometry exactly, since a short file would read as a broken chip.
func openRaw(path string, geom nandkit.Geometry) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if stat.Size() != int64(geom.Capacity()) {
		f.Close()
		return nil, fmt.Errorf("%s is %d bytes, the given geometry needs %d",
			path, stat.Size(), geom.Capacity())
	}
	return f, nil
}

func listDevices(c *cli.Context) error {
	w := tabwriter.NewWriter(c.App.Writer, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VENDOR\tNAME\tJEDEC ID\tPAGE\tPAGES/BLOCK\tBLOCKS\tCAPACITY")
	for _, info := range spinand.Devices() {
		geom := info.Geometry()
		fmt.Fprintf(w, "%s\t%s\t%v\t%d\t%d\t%d\t%d MiB\n",
			info.Vendor, info.Name, info.ID,
			geom.PageSize, geom.PagesPerBlock, geom.BlockCount,
			geom.Capacity()/(1024*1024))
	}
	return w.Flush()
}

func imageInfo(c *cli.Context) error {
	if err := requireArgs(c, "IMAGE"); err != nil {
		return err
	}
	f, err := os.Open(c.Args().Get(0))
	if err != nil {
		return err
	}
	defer f.Close()

	geom, err := imageutil.ReadHeader(f)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "page size:       %d bytes\n", geom.PageSize)
	fmt.Fprintf(c.App.Writer, "pages per block: %d\n", geom.PagesPerBlock)
	fmt.Fprintf(c.App.Writer, "blocks:          %d\n", geom.BlockCount)
	fmt.Fprintf(c.App.Writer, "capacity:        %d bytes\n", geom.Capacity())
	return nil
}

func createRaw(c *cli.Context) error {
	if err := requireArgs(c, "RAW_FILE"); err != nil {
		return err
	}
	geom := geometryOf(c)
	f, err := os.OpenFile(c.Args().Get(0), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	// Write the erased pattern block by block rather than holding the whole
	// chip in memory.
	blank := make([]byte, geom.BlockSize())
	for i := range blank {
		blank[i] = 0xFF
	}
	for blk := uint32(0); blk < geom.BlockCount; blk++ {
		if _, err := f.Write(blank); err != nil {
			return err
		}
	}
	fmt.Fprintf(c.App.Writer, "created %s: %d bytes\n", f.Name(), geom.Capacity())
	return nil
}

func printMapping(c *cli.Context) error {
	if err := requireArgs(c, "RAW_FILE"); err != nil {
		return err
	}
	geom := geometryOf(c)
	f, err := openRaw(c.Args().Get(0), geom)
	if err != nil {
		return err
	}
	defer f.Close()

	logical := uint32(c.Uint("logical-blocks"))
	if logical == 0 {
		logical = geom.BlockCount / 8 * 7
	}

	dev := nandsim.Open(f, geom)
	layer, err := ftl.Scan(dev, logical)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(c.App.Writer, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "LOGICAL\tPHYSICAL")
	for l := uint32(0); l < layer.BlockCount(); l++ {
		if phys, ok := layer.Mapping(nandkit.LogicalBlock(l)); ok {
			fmt.Fprintf(w, "%d\t%d\n", l, phys)
		} else {
			fmt.Fprintf(w, "%d\tunmapped\n", l)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "spare blocks: %d\n", layer.SpareCount())
	return nil
}

func dumpImage(c *cli.Context) error {
	if err := requireArgs(c, "RAW_FILE", "IMAGE"); err != nil {
		return err
	}
	geom := geometryOf(c)
	raw, err := openRaw(c.Args().Get(0), geom)
	if err != nil {
		return err
	}
	defer raw.Close()

	out, err := os.Create(c.Args().Get(1))
	if err != nil {
		return err
	}
	defer out.Close()

	n, err := imageutil.Dump(out, nandsim.Open(raw, geom))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "captured %d bytes into %s (%d compressed)\n",
		geom.Capacity(), out.Name(), n)
	return nil
}

func restoreImage(c *cli.Context) error {
	if err := requireArgs(c, "IMAGE", "RAW_FILE"); err != nil {
		return err
	}
	img, err := os.Open(c.Args().Get(0))
	if err != nil {
		return err
	}
	defer img.Close()

	// Peek the geometry so the raw file can be validated against it, then
	// rewind for the real restore.
	geom, err := imageutil.ReadHeader(img)
	if err != nil {
		return err
	}
	if _, err := img.Seek(0, 0); err != nil {
		return err
	}

	raw, err := openRaw(c.Args().Get(1), geom)
	if err != nil {
		return err
	}
	defer raw.Close()

	if err := imageutil.Restore(img, nandsim.Open(raw, geom)); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "restored %d bytes onto %s\n", geom.Capacity(), raw.Name())
	return nil
}
