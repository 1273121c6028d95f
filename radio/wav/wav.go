package wav

import (
	"encoding/binary"
	"errors"
	"io"
	"time"
)

var (
	ErrBadFormat = errors.New("bad format")
)

type riffHeader struct {
	ChunkId   [4]byte
	ChunkSize uint32
	Format    [4]byte
}

type fmtHeader struct {
	ChunkId       [4]byte /* "fmt " */
	ChunkSize     uint32
	AudioFormat   uint16 /* 1 */
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
}

type dataHeader struct {
	ChunkId   [4]byte /* "data" */
	ChunkSize uint32
}

// HeaderLen is the size of the RIFF, fmt and data headers.
const HeaderLen = 44

type Reader struct {
	io.Reader
	fh fmtHeader
	dh dataHeader
}

func NewReader(r io.Reader) (*Reader, error) {
	var rh riffHeader
	rr := &Reader{Reader: r}
	if err := binary.Read(r, binary.LittleEndian, &rh); err != nil {
		return nil, err
	}
	if string(rh.ChunkId[:]) != "RIFF" || string(rh.Format[:]) != "WAVE" {
		return nil, ErrBadFormat
	}
	if err := binary.Read(r, binary.LittleEndian, &rr.fh); err != nil {
		return nil, err
	}
	if string(rr.fh.ChunkId[:]) != "fmt " || rr.fh.AudioFormat != 1 {
		return nil, ErrBadFormat
	}
	if err := binary.Read(r, binary.LittleEndian, &rr.dh); err != nil {
		return nil, err
	}
	if string(rr.dh.ChunkId[:]) != "data" {
		return nil, ErrBadFormat
	}
	rr.Reader = io.LimitReader(r, int64(rr.dh.ChunkSize))
	return rr, nil
}

func (r *Reader) Channels() int   { return int(r.fh.NumChannels) }
func (r *Reader) SampleRate() int { return int(r.fh.SampleRate) }
func (r *Reader) BitDepth() int   { return int(r.fh.BitsPerSample) }
func (r *Reader) DataLen() int    { return int(r.dh.ChunkSize) }

// Duration is the playing time of the data chunk.
func (r *Reader) Duration() time.Duration {
	if r.fh.ByteRate == 0 {
		return 0
	}
	return time.Duration(float64(r.dh.ChunkSize) / float64(r.fh.ByteRate) * float64(time.Second))
}

// Writer streams PCM into a WAV container. The header carries a
// placeholder length until Close seeks back and patches it.
type Writer struct {
	w io.WriteSeeker

	SampleRate    uint32
	BitsPerSample uint16
	NumChannels   uint16

	dataLen uint32
}

func NewWriter(w io.WriteSeeker, rate, depth, channels int) (*Writer, error) {
	if rate == 0 || depth == 0 || channels == 0 {
		return nil, ErrBadFormat
	}
	ww := &Writer{
		w:             w,
		SampleRate:    uint32(rate),
		BitsPerSample: uint16(depth),
		NumChannels:   uint16(channels),
	}
	if err := ww.writeHeader(); err != nil {
		return nil, err
	}
	return ww, nil
}

func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	w.dataLen += uint32(n)
	return n, err
}

// DataLen is the number of PCM bytes written so far.
func (w *Writer) DataLen() int { return int(w.dataLen) }

// Close finalizes the header lengths; it does not close the underlying writer.
func (w *Writer) Close() error {
	end, err := w.w.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if _, err := w.w.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := w.writeHeader(); err != nil {
		return err
	}
	_, err = w.w.Seek(end, io.SeekStart)
	return err
}

func (w *Writer) writeHeader() error {
	blockAlign := uint32(w.NumChannels) * uint32(w.BitsPerSample) / 8
	hdr := struct {
		riffHeader
		fmtHeader
		dataHeader
	}{
		riffHeader{
			ChunkId:   [4]byte{'R', 'I', 'F', 'F'},
			ChunkSize: w.dataLen + HeaderLen - 8,
			Format:    [4]byte{'W', 'A', 'V', 'E'},
		},
		fmtHeader{
			ChunkId:       [4]byte{'f', 'm', 't', ' '},
			ChunkSize:     16,
			AudioFormat:   1,
			NumChannels:   w.NumChannels,
			SampleRate:    w.SampleRate,
			ByteRate:      w.SampleRate * blockAlign,
			BlockAlign:    uint16(blockAlign),
			BitsPerSample: w.BitsPerSample,
		},
		dataHeader{
			ChunkId:   [4]byte{'d', 'a', 't', 'a'},
			ChunkSize: w.dataLen,
		},
	}
	return binary.Write(w.w, binary.LittleEndian, &hdr)
}
