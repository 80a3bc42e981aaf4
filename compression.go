package gridexport

import (
	"compress/bzip2"
	"compress/gzip"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/nao1215/gridexport/domain/model"
	"github.com/ulikunitz/xz"
)

// codec decodes and, unless newEncoder is nil, encodes one compression format
type codec struct {
	newDecoder func(r io.Reader) (io.Reader, func() error, error)
	newEncoder func(w io.Writer) (io.WriteCloser, error)
}

// codecs lists every supported format except CompressionNone
var codecs = map[model.CompressionType]codec{
	model.CompressionGZ: {
		newDecoder: func(r io.Reader) (io.Reader, func() error, error) {
			zr, err := gzip.NewReader(r)
			if err != nil {
				return nil, nil, err
			}
			return zr, zr.Close, nil
		},
		newEncoder: func(w io.Writer) (io.WriteCloser, error) {
			return gzip.NewWriter(w), nil
		},
	},
	model.CompressionBZ2: {
		newDecoder: func(r io.Reader) (io.Reader, func() error, error) {
			return bzip2.NewReader(r), nopRelease, nil
		},
	},
	model.CompressionXZ: {
		newDecoder: func(r io.Reader) (io.Reader, func() error, error) {
			xr, err := xz.NewReader(r)
			if err != nil {
				return nil, nil, err
			}
			return xr, nopRelease, nil
		},
		newEncoder: func(w io.Writer) (io.WriteCloser, error) {
			xw, err := xz.NewWriter(w)
			if err != nil {
				return nil, err
			}
			return xw, nil
		},
	},
	model.CompressionZSTD: {
		newDecoder: func(r io.Reader) (io.Reader, func() error, error) {
			dec, err := zstd.NewReader(r)
			if err != nil {
				return nil, nil, err
			}
			return dec, func() error { dec.Close(); return nil }, nil
		},
		newEncoder: func(w io.Writer) (io.WriteCloser, error) {
			enc, err := zstd.NewWriter(w)
			if err != nil {
				return nil, err
			}
			return enc, nil
		},
	},
}

func nopRelease() error { return nil }

// decompress wraps r in the decoder of ct. release frees the decoder but
// leaves r open.
func decompress(ct model.CompressionType, r io.Reader) (decoded io.Reader, release func() error, err error) {
	if ct == model.CompressionNone {
		return r, nopRelease, nil
	}
	c, ok := codecs[ct]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnsupportedCompression, ct)
	}
	decoded, release, err = c.newDecoder(r)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read %s data: %w", ct, err)
	}
	return decoded, release, nil
}

// compressedScratch is a scratch file written through an encoder. Commit
// closes the encoder before the file is installed, so the trailer of the
// compressed stream is always part of the output.
type compressedScratch struct {
	scratch *scratchFile
	w       io.Writer
	encoder io.WriteCloser
}

// newCompressedScratch creates the scratch file of dest and the encoder of ct
// writing into it. bzip2 can be read but not written.
func newCompressedScratch(dest string, ct model.CompressionType) (*compressedScratch, error) {
	var c codec
	if ct != model.CompressionNone {
		var ok bool
		if c, ok = codecs[ct]; !ok || c.newEncoder == nil {
			return nil, fmt.Errorf("%w: cannot write %s", ErrUnsupportedCompression, ct)
		}
	}

	scratch, err := newScratchFile(dest)
	if err != nil {
		return nil, err
	}
	out := &compressedScratch{scratch: scratch, w: scratch}
	if c.newEncoder == nil {
		return out, nil
	}
	encoder, err := c.newEncoder(scratch)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to create %s encoder: %w", ct, err), scratch.Discard())
	}
	out.w, out.encoder = encoder, encoder
	return out, nil
}

// Write implements io.Writer
func (c *compressedScratch) Write(p []byte) (int, error) {
	return c.w.Write(p)
}

// Commit flushes the encoder and installs the file. The scratch file is
// discarded when the encoder fails.
func (c *compressedScratch) Commit() error {
	if encoder := c.encoder; encoder != nil {
		c.encoder = nil
		if err := encoder.Close(); err != nil {
			return errors.Join(fmt.Errorf("failed to finish compressed stream: %w", err), c.scratch.Discard())
		}
	}
	return c.scratch.Commit()
}

// Discard stops the encoder and removes the scratch file
func (c *compressedScratch) Discard() error {
	var closeErr error
	if encoder := c.encoder; encoder != nil {
		c.encoder = nil
		closeErr = encoder.Close()
	}
	return errors.Join(closeErr, c.scratch.Discard())
}
