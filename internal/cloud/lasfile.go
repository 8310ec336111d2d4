package cloud

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/edaniels/lidario"
)

var (
	// ErrUnsupportedFormat is returned for cloud files other than .las.
	ErrUnsupportedFormat = errors.New("unsupported point cloud file format")
	// ErrEmptyCloud is returned when writing a cloud with no points; a LAS
	// file needs at least one record.
	ErrEmptyCloud = errors.New("point cloud is empty")
)

// ReadFile loads a point cloud from disk. Only LAS is supported.
func ReadFile(path string) (PointCloud, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".las":
		return ReadLAS(path)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, path)
	}
}

// ReadLAS loads every point record from a LAS file. LAS intensity is 16
// bit; it is scaled down to 8 bits.
func ReadLAS(path string) (PointCloud, error) {
	lf, err := lidario.NewLasFile(path, "r")
	if err != nil {
		return nil, fmt.Errorf("failed to open LAS file %q: %w", path, err)
	}
	defer lf.Close()

	out := make(PointCloud, 0, lf.Header.NumberPoints)
	for i := 0; i < lf.Header.NumberPoints; i++ {
		p, err := lf.LasPoint(i)
		if err != nil {
			return nil, fmt.Errorf("failed to read LAS point %d: %w", i, err)
		}
		data := p.PointData()
		out = append(out, Point{
			X:         data.X,
			Y:         data.Y,
			Z:         data.Z,
			Intensity: uint8(data.Intensity >> 8),
		})
	}
	return out, nil
}

// WriteLAS writes c as point format 0 records.
func WriteLAS(c PointCloud, path string) (err error) {
	if len(c) == 0 {
		return fmt.Errorf("write LAS %q: %w", path, ErrEmptyCloud)
	}
	lf, err := lidario.NewLasFile(path, "w")
	if err != nil {
		return fmt.Errorf("failed to create LAS file %q: %w", path, err)
	}
	defer func() {
		if cerr := lf.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("failed to close LAS file: %w", cerr))
		}
	}()

	if err = lf.AddHeader(lidario.LasHeader{PointFormatID: 0}); err != nil {
		return fmt.Errorf("failed to write LAS header: %w", err)
	}

	for i, p := range c {
		pr := &lidario.PointRecord0{
			X:         p.X,
			Y:         p.Y,
			Z:         p.Z,
			Intensity: uint16(p.Intensity) << 8,
			BitField: lidario.PointBitField{
				Value: (1) | (1 << 3),
			},
			ClassBitField: lidario.ClassificationBitField{
				Value: 0,
			},
			PointSourceID: 1,
		}
		if err = lf.AddLasPoint(pr); err != nil {
			return fmt.Errorf("failed to write LAS point %d: %w", i, err)
		}
	}
	return nil
}
