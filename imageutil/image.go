// Package imageutil reads and writes chip images: full captures of a NAND
// device's array in a compact container. Images carry the device geometry,
// are run-length encoded to collapse erased flash, and gzipped on top.
//
// Images address physical blocks. Bad blocks are dumped as zero-filled and
// skipped on restore; the translation layer rebuilds its mapping from the
// on-device markers afterwards.
package imageutil

import (
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/nandkit/nandkit"
)

// imageMagic identifies the container, with a trailing format version.
var imageMagic = [8]byte{'N', 'A', 'N', 'D', 'I', 'M', 'G', 1}

// WriteHeader writes the container header for the given geometry.
func WriteHeader(w io.Writer, geom nandkit.Geometry) error {
	if _, err := w.Write(imageMagic[:]); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, &geom)
}

// ReadHeader consumes the container header and returns the geometry of the
// chip the image was taken from.
func ReadHeader(r io.Reader) (nandkit.Geometry, error) {
	var magic [8]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nandkit.Geometry{}, fmt.Errorf("reading image magic: %w", err)
	}
	if magic != imageMagic {
		return nandkit.Geometry{}, fmt.Errorf("not a chip image (magic %X)", magic)
	}
	var geom nandkit.Geometry
	if err := binary.Read(r, binary.LittleEndian, &geom); err != nil {
		return nandkit.Geometry{}, fmt.Errorf("reading image geometry: %w", err)
	}
	return geom, nil
}

// Dump captures the entire array of dev into w and reports the compressed
// payload size. Unreadable pages and bad blocks are captured as zeros;
// degraded pages are captured normally.
func Dump(w io.Writer, dev nandkit.Device) (int64, error) {
	geom := dev.Geometry()
	if err := WriteHeader(w, geom); err != nil {
		return 0, err
	}

	gz, err := gzip.NewWriterLevel(w, gzip.BestCompression)
	if err != nil {
		return 0, err
	}
	n, err := compressRLE(&arrayReader{dev: dev, geom: geom}, gz)
	if err != nil {
		gz.Close()
		return n, err
	}
	return n, gz.Close()
}

// Restore programs the image in r onto dev. The image must come from a
// chip with identical geometry. Blocks marked bad on the device are left
// untouched; every other block is erased and reprogrammed.
func Restore(r io.Reader, dev nandkit.Device) error {
	geom := dev.Geometry()
	imgGeom, err := ReadHeader(r)
	if err != nil {
		return err
	}
	if imgGeom != geom {
		return fmt.Errorf("image is for a %d x %d x %d chip, device is %d x %d x %d",
			imgGeom.PageSize, imgGeom.PagesPerBlock, imgGeom.BlockCount,
			geom.PageSize, geom.PagesPerBlock, geom.BlockCount)
	}

	gz, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer gz.Close()

	aw := &arrayWriter{dev: dev, geom: geom, buf: make([]byte, geom.PageSize)}
	if _, err := decompressRLE(gz, aw); err != nil {
		return err
	}
	if aw.off != 0 {
		return fmt.Errorf("image ends mid-page at page %d", aw.page)
	}
	if total := geom.BlockCount * geom.PagesPerBlock; aw.page != total {
		return fmt.Errorf("truncated image: %d of %d pages", aw.page, total)
	}
	return nil
}

// arrayReader streams the raw array page by page in physical order.
type arrayReader struct {
	dev  nandkit.Device
	geom nandkit.Geometry

	page     uint32 // next linear page to load
	skipping bool   // current block is marked bad
	buf      []byte
	off      int
}

func (r *arrayReader) Read(p []byte) (int, error) {
	if r.off == len(r.buf) {
		if err := r.loadNext(); err != nil {
			return 0, err
		}
	}
	n := copy(p, r.buf[r.off:])
	r.off += n
	return n, nil
}

func (r *arrayReader) loadNext() error {
	if r.page == r.geom.BlockCount*r.geom.PagesPerBlock {
		return io.EOF
	}
	if r.buf == nil {
		r.buf = make([]byte, r.geom.PageSize)
	}
	blk := nandkit.PhysicalBlock(r.page / r.geom.PagesPerBlock)
	pageInBlock := r.page % r.geom.PagesPerBlock

	if pageInBlock == 0 {
		status, err := r.dev.BlockStatus(blk)
		if err != nil {
			return err
		}
		r.skipping = status == nandkit.BlockBad
	}

	if r.skipping {
		zero(r.buf)
	} else if err := r.dev.ReadPage(blk, pageInBlock, r.buf); err != nil {
		switch nandkit.Kind(err) {
		case nandkit.KindDataLoss:
			zero(r.buf)
		case nandkit.KindBlockDegraded:
			// Corrected at the limit; the data is still valid.
		default:
			return err
		}
	}

	r.page++
	r.off = 0
	return nil
}

// arrayWriter programs decoded pages in physical order, erasing each block
// as it is entered.
type arrayWriter struct {
	dev  nandkit.Device
	geom nandkit.Geometry

	page     uint32 // page the buffer is accumulating
	skipping bool
	buf      []byte
	off      int
}

func (w *arrayWriter) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		if w.page == w.geom.BlockCount*w.geom.PagesPerBlock {
			return total, fmt.Errorf("image is larger than the device")
		}
		n := copy(w.buf[w.off:], p)
		w.off += n
		p = p[n:]
		total += n
		if w.off == len(w.buf) {
			if err := w.flushPage(); err != nil {
				return total, err
			}
		}
	}
	return total, nil
}

func (w *arrayWriter) flushPage() error {
	blk := nandkit.PhysicalBlock(w.page / w.geom.PagesPerBlock)
	pageInBlock := w.page % w.geom.PagesPerBlock

	if pageInBlock == 0 {
		status, err := w.dev.BlockStatus(blk)
		if err != nil {
			return err
		}
		w.skipping = status == nandkit.BlockBad
		if !w.skipping {
			if err := w.dev.EraseBlock(blk); err != nil {
				return err
			}
		}
	}

	if !w.skipping && !erased(w.buf) {
		if err := w.dev.WritePage(blk, pageInBlock, w.buf); err != nil {
			return err
		}
	}

	w.page++
	w.off = 0
	return nil
}

func zero(p []byte) {
	for i := range p {
		p[i] = 0
	}
}

func erased(p []byte) bool {
	for _, b := range p {
		if b != 0xFF {
			return false
		}
	}
	return true
}
