//go:build linux

package main

import (
	"fmt"

	"github.com/nandkit/nandkit/spidev"
	"github.com/nandkit/nandkit/spinand"
	"github.com/nandkit/nandkit/spinand/winbond"
	"github.com/urfave/cli/v2"
)

func init() {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "probe",
		Usage:     "Identify a chip on a spidev bus",
		Action:    probeChip,
		ArgsUsage: "SPIDEV_PATH",
		Flags: []cli.Flag{
			&cli.UintFlag{
				Name:  "speed",
				Usage: "SPI clock in Hz",
				Value: 10_000_000,
			},
		},
	})
}

func probeChip(c *cli.Context) error {
	if err := requireArgs(c, "SPIDEV_PATH"); err != nil {
		return err
	}
	bus, err := spidev.Open(c.Args().Get(0), spidev.WithSpeed(uint32(c.Uint("speed"))))
	if err != nil {
		return err
	}
	defer bus.Close()

	dev, err := spinand.New(bus.Transport())
	if err != nil {
		return err
	}

	info := dev.Info()
	geom := dev.Geometry()
	fmt.Fprintf(c.App.Writer, "found %v\n", info)
	fmt.Fprintf(c.App.Writer, "geometry: %d byte pages, %d pages/block, %d blocks (%d MiB)\n",
		geom.PageSize, geom.PagesPerBlock, geom.BlockCount, geom.Capacity()/(1024*1024))

	if uint32(info.ID)>>16 == winbond.ManufacturerID {
		w := &winbond.Device{Device: dev}
		if uid, err := w.UniqueID(); err == nil {
			fmt.Fprintf(c.App.Writer, "unique id: %X\n", uid)
		}
		if page, err := w.ParameterPage(); err == nil {
			fmt.Fprintf(c.App.Writer, "onfi: %s %s, ECC %d bits\n",
				page.Manufacturer, page.Model, page.ECCBits)
		}
	}
	return nil
}
