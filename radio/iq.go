package radio

import (
	"context"
	"io"
	"math"
)

const iqCenter = 127.5

type IQReader struct {
	r   io.Reader
	err error
}

// NewIQReader takes a reader that uses u8 I/Q samples.
func NewIQReader(r io.Reader) *IQReader {
	if r == nil {
		panic("nil reader")
	}
	return &IQReader{r: r}
}

// Err returns the read error that ended the last batch stream.
func (iq *IQReader) Err() error {
	if iq.err == io.EOF || iq.err == io.ErrUnexpectedEOF {
		return nil
	}
	return iq.err
}

// BatchStream64 emits batches of batch samples until the reader fails,
// limit batches were read (if limit > 0), or ctx is done.
func (iq *IQReader) BatchStream64(ctx context.Context, batch, limit int) <-chan []complex64 {
	ch := make(chan []complex64, 1)
	go func() {
		defer close(ch)
		iq8buf := make([]byte, batch*2)
		for n := 0; limit <= 0 || n < limit; n++ {
			if _, iq.err = io.ReadFull(iq.r, iq8buf); iq.err != nil {
				return
			}
			samps := make([]complex64, batch)
			DecodeU8(samps, iq8buf)
			select {
			case ch <- samps:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// DecodeU8 converts interleaved u8 I/Q pairs into samples in [-1, 1].
func DecodeU8(dst []complex64, iq8 []byte) {
	for i := range dst {
		dst[i] = complex(
			(float32(iq8[2*i])-iqCenter)/iqCenter,
			(float32(iq8[2*i+1])-iqCenter)/iqCenter)
	}
}

type IQWriter struct{ w io.Writer }

func NewIQWriter(w io.Writer) *IQWriter { return &IQWriter{w} }

func (iq *IQWriter) Write64(out []complex64) error {
	buf := make([]byte, 2*len(out))
	for i := range out {
		buf[2*i] = encodeU8(real(out[i]))
		buf[2*i+1] = encodeU8(imag(out[i]))
	}
	_, err := iq.w.Write(buf)
	return err
}

func encodeU8(v float32) byte {
	return byte(math.Max(0, math.Min(255, math.Round(float64(v)*iqCenter+iqCenter))))
}
