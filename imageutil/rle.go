package imageutil

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

// The run-length layer exists because raw NAND dumps are mostly erased
// flash: page after page of 0xFF with islands of data. A run of two equal
// bytes is followed by a repeat count, so a fully erased 128 KiB block
// costs a few hundred bytes before gzip even sees it.

// compressRLE encodes input until EOF and reports the number of bytes
// written.
func compressRLE(input io.Reader, output io.Writer) (int64, error) {
	source := bufio.NewReader(input)
	written := int64(0)

	flushRun := func(b byte, length int) error {
		for length >= 2 {
			count := length - 2
			if count > 255 {
				count = 255
			}
			n, err := output.Write([]byte{b, b, byte(count)})
			if err != nil {
				return err
			}
			written += int64(n)
			length -= count + 2
		}
		if length == 1 {
			n, err := output.Write([]byte{b})
			if err != nil {
				return err
			}
			written += int64(n)
		}
		return nil
	}

	var runByte byte
	runLength := 0
	for {
		b, err := source.ReadByte()
		if errors.Is(err, io.EOF) {
			return written, flushRun(runByte, runLength)
		}
		if err != nil {
			return written, err
		}
		if runLength > 0 && b == runByte {
			runLength++
			continue
		}
		if err := flushRun(runByte, runLength); err != nil {
			return written, err
		}
		runByte = b
		runLength = 1
	}
}

// decompressRLE decodes the run-length layer and reports the number of
// bytes written.
func decompressRLE(input io.Reader, output io.Writer) (int64, error) {
	source := bufio.NewReader(input)
	written := int64(0)
	lastByte := -1

	for {
		b, err := source.ReadByte()
		if errors.Is(err, io.EOF) {
			return written, nil
		}
		if err != nil {
			return written, err
		}

		var chunk []byte
		if int(b) == lastByte {
			// Second byte of a pair; the next byte is the repeat count. One
			// copy already went out on the previous iteration.
			count, err := source.ReadByte()
			if err != nil {
				if errors.Is(err, io.EOF) {
					err = fmt.Errorf("%w: missing repeat count after two %02X bytes",
						io.ErrUnexpectedEOF, b)
				}
				return written, err
			}
			chunk = bytes.Repeat([]byte{b}, int(count)+1)
			lastByte = -1
		} else {
			chunk = []byte{b}
			lastByte = int(b)
		}

		n, err := output.Write(chunk)
		if err != nil {
			return written, err
		}
		written += int64(n)
	}
}
