package cloud

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestReadFile_UnsupportedExtension(t *testing.T) {
	_, err := ReadFile(filepath.Join(t.TempDir(), "scan.pcd"))
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestReadLAS_MissingFile(t *testing.T) {
	if _, err := ReadFile(filepath.Join(t.TempDir(), "missing.las")); err == nil {
		t.Fatal("expected error for missing LAS file")
	}
}

func TestWriteLAS_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan_aligned.las")
	want := PointCloud{
		{X: 1.2345, Y: -2.5, Z: 0.75, Intensity: 200},
		{X: 100.001, Y: 3, Z: -4, Intensity: 7},
		{X: 0, Y: 0, Z: 0, Intensity: 255},
	}
	if err := WriteLAS(want, path); err != nil {
		t.Fatalf("WriteLAS: %v", err)
	}

	got, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d points, got %d", len(want), len(got))
	}
	const tol = 1e-3
	for i := range want {
		if math.Abs(got[i].X-want[i].X) > tol || math.Abs(got[i].Y-want[i].Y) > tol || math.Abs(got[i].Z-want[i].Z) > tol {
			t.Errorf("point %d: got %+v, want %+v", i, got[i], want[i])
		}
		if got[i].Intensity != want[i].Intensity {
			t.Errorf("point %d intensity: got %d, want %d", i, got[i].Intensity, want[i].Intensity)
		}
	}
}

func TestWriteLAS_EmptyCloud(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.las")
	if err := WriteLAS(nil, path); !errors.Is(err, ErrEmptyCloud) {
		t.Fatalf("expected ErrEmptyCloud, got %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("expected no file to be created, stat err=%v", err)
	}
}
