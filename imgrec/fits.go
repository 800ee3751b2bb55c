package imgrec

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/astrogo/fitsio"

	"github.com/devilmastah/asilive/calib"
	"github.com/devilmastah/asilive/camera"
)

// uint16 data is stored as int16 with BZERO 32768, the FITS convention for
// unsigned integers
const bzero16 = 32768

// Meta describes how an image was made.  It is written as header cards.
type Meta struct {
	Exposure      time.Duration
	Gain          int
	NFrames       int
	Method        string
	DarkCorrected bool
	FlatCorrected bool
}

// Cards converts the metadata to FITS header cards
func (m Meta) Cards() []fitsio.Card {
	cards := []fitsio.Card{
		{Name: "EXPTIME", Value: m.Exposure.Seconds(), Comment: "exposure time, seconds"},
		{Name: "GAIN", Value: m.Gain, Comment: "analog gain, driver units"},
	}
	if m.NFrames > 0 {
		cards = append(cards, fitsio.Card{Name: "NFRAMES", Value: m.NFrames, Comment: "frames stacked"})
	}
	if m.Method != "" {
		cards = append(cards, fitsio.Card{Name: "METHOD", Value: m.Method, Comment: "stack reduction"})
	}
	cards = append(cards,
		fitsio.Card{Name: "DARKCOR", Value: m.DarkCorrected, Comment: "master dark subtracted"},
		fitsio.Card{Name: "FLATCOR", Value: m.FlatCorrected, Comment: "master flat divided"},
	)
	return cards
}

// WriteFrame streams f to w as a single HDU FITS file with BITPIX 16
func WriteFrame(w io.Writer, f *camera.Frame, cards []fitsio.Card) error {
	if err := f.Validate(); err != nil {
		return err
	}
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	im := fitsio.NewImage(16, []int{f.Width, f.Height})
	defer im.Close()
	cards = append(cards, fitsio.Card{Name: "BZERO", Value: bzero16}, fitsio.Card{Name: "BSCALE", Value: 1.0})
	if err = im.Header().Append(cards...); err != nil {
		return err
	}
	ints := make([]int16, len(f.Pix))
	for i, v := range f.Pix {
		ints[i] = int16(v ^ 0x8000)
	}
	if err = im.Write(ints); err != nil {
		return err
	}
	return fits.Write(im)
}

// WriteFlat streams fl to w as a single HDU FITS file with BITPIX -32
func WriteFlat(w io.Writer, fl *calib.Flat, cards []fitsio.Card) error {
	if fl == nil || fl.Width <= 0 || fl.Height <= 0 || len(fl.Pix) != fl.Width*fl.Height {
		return errors.New("invalid flat")
	}
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	im := fitsio.NewImage(-32, []int{fl.Width, fl.Height})
	defer im.Close()
	if err = im.Header().Append(cards...); err != nil {
		return err
	}
	if err = im.Write(fl.Pix); err != nil {
		return err
	}
	return fits.Write(im)
}

func primaryImage(r io.Reader) (*fitsio.File, fitsio.Image, error) {
	f, err := fitsio.Open(r)
	if err != nil {
		return nil, nil, err
	}
	img, ok := f.HDU(0).(fitsio.Image)
	if !ok {
		f.Close()
		return nil, nil, errors.New("primary HDU is not an image")
	}
	axes := img.Header().Axes()
	if len(axes) != 2 {
		f.Close()
		return nil, nil, fmt.Errorf("expected a 2D image, got %d axes", len(axes))
	}
	return f, img, nil
}

// ReadFrame reads a BITPIX 16 image with BZERO 32768 written by WriteFrame
func ReadFrame(r io.Reader) (*camera.Frame, error) {
	f, img, err := primaryImage(r)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	hdr := img.Header()
	if hdr.Bitpix() != 16 {
		return nil, fmt.Errorf("expected BITPIX 16, got %d", hdr.Bitpix())
	}
	zero, err := cardFloat(hdr, "BZERO")
	if err != nil {
		return nil, err
	}
	axes := hdr.Axes()
	ints := make([]int16, axes[0]*axes[1])
	if err = img.Read(&ints); err != nil {
		return nil, err
	}
	out := camera.NewFrame(axes[0], axes[1])
	if len(ints) != len(out.Pix) {
		return nil, fmt.Errorf("image holds %d samples, header says %dx%d", len(ints), axes[0], axes[1])
	}
	for i, v := range ints {
		if zero == bzero16 {
			out.Pix[i] = uint16(v) ^ 0x8000
		} else {
			out.Pix[i] = uint16(float64(v) + zero)
		}
	}
	return out, nil
}

// ReadFlat reads a BITPIX -32 image written by WriteFlat
func ReadFlat(r io.Reader) (*calib.Flat, error) {
	f, img, err := primaryImage(r)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	hdr := img.Header()
	if hdr.Bitpix() != -32 {
		return nil, fmt.Errorf("expected BITPIX -32, got %d", hdr.Bitpix())
	}
	axes := hdr.Axes()
	pix := make([]float32, axes[0]*axes[1])
	if err = img.Read(&pix); err != nil {
		return nil, err
	}
	if len(pix) != axes[0]*axes[1] {
		return nil, fmt.Errorf("image holds %d samples, header says %dx%d", len(pix), axes[0], axes[1])
	}
	return &calib.Flat{Width: axes[0], Height: axes[1], Pix: pix}, nil
}

// cardFloat returns a numeric card's value, or 0 if the card is absent
func cardFloat(hdr *fitsio.Header, name string) (float64, error) {
	c := hdr.Get(name)
	if c == nil {
		return 0, nil
	}
	switch v := c.Value.(type) {
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case float64:
		return v, nil
	default:
		return 0, fmt.Errorf("card %s has non numeric value %v", name, c.Value)
	}
}

// writeAtomic writes through a temporary file in the destination directory
// and renames it into place
func writeAtomic(path string, write func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0777); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err = write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// SaveFrame writes f to path, creating parent directories
func SaveFrame(path string, f *camera.Frame, cards []fitsio.Card) error {
	return writeAtomic(path, func(w io.Writer) error { return WriteFrame(w, f, cards) })
}

// SaveFlat writes fl to path, creating parent directories
func SaveFlat(path string, fl *calib.Flat, cards []fitsio.Card) error {
	return writeAtomic(path, func(w io.Writer) error { return WriteFlat(w, fl, cards) })
}

// LoadFrame reads a frame from path
func LoadFrame(path string) (*camera.Frame, error) {
	fid, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fid.Close()
	return ReadFrame(fid)
}

// LoadFlat reads a flat from path
func LoadFlat(path string) (*calib.Flat, error) {
	fid, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fid.Close()
	return ReadFlat(fid)
}
