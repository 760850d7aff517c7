package sequence

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/Jbsco/ap-toolkit/internal/fsutil"
)

// Subdirectory names that make up a capture sequence.
const (
	LightDirName = "Light"
	DarkDirName  = "Dark"
	FlatDirName  = "Flat"
)

// Sequence is a directory holding Light, Dark and Flat frame sets.
type Sequence struct {
	Path     string // sequence directory
	Name     string // base name of the sequence directory
	Lights   int    // frame counts discovered at scan time
	Darks    int
	Flats    int
	Warnings []string
}

// LightDir returns the path of the Light frame set.
func (s Sequence) LightDir() string { return filepath.Join(s.Path, LightDirName) }

// DarkDir returns the path of the Dark frame set.
func (s Sequence) DarkDir() string { return filepath.Join(s.Path, DarkDirName) }

// FlatDir returns the path of the Flat frame set.
func (s Sequence) FlatDir() string { return filepath.Join(s.Path, FlatDirName) }

// WorkDir returns the sibling process directory all pipeline artifacts
// for this sequence are written to.
func (s Sequence) WorkDir() string {
	return filepath.Join(filepath.Dir(s.Path), "process_"+s.Name)
}

// Find walks root and returns every qualifying sequence in traversal
// order. A directory qualifies when it has a child named Light and
// sibling Dark and Flat directories; an empty-but-present subdirectory
// is recorded as a warning, a missing one disqualifies the candidate.
func Find(root string) ([]Sequence, error) {
	st, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("data path %s: %w", root, err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("data path %s is not a directory", root)
	}

	var found []Sequence
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() || d.Name() != LightDirName {
			return nil
		}
		parent := filepath.Dir(path)
		seq, ok, qerr := qualify(parent)
		if qerr != nil {
			return qerr
		}
		if ok {
			found = append(found, seq)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

func qualify(dir string) (Sequence, bool, error) {
	seq := Sequence{Path: dir, Name: filepath.Base(dir)}

	for _, sub := range []string{DarkDirName, FlatDirName} {
		if !fsutil.IsDir(filepath.Join(dir, sub)) {
			return Sequence{}, false, nil
		}
	}

	var err error
	if seq.Lights, err = fsutil.CountFrames(seq.LightDir()); err != nil {
		return Sequence{}, false, err
	}
	if seq.Darks, err = fsutil.CountFrames(seq.DarkDir()); err != nil {
		return Sequence{}, false, err
	}
	if seq.Flats, err = fsutil.CountFrames(seq.FlatDir()); err != nil {
		return Sequence{}, false, err
	}

	if seq.Lights == 0 {
		seq.Warnings = append(seq.Warnings, "Light directory contains no frames")
	}
	if seq.Darks == 0 {
		seq.Warnings = append(seq.Warnings, "Dark directory contains no frames")
	}
	if seq.Flats == 0 {
		seq.Warnings = append(seq.Warnings, "Flat directory contains no frames")
	}

	return seq, true, nil
}

// ReferenceFrame returns the 1-based index of the middle light frame,
// the registration reference. A single-frame set uses frame 1.
func ReferenceFrame(lightCount int) int {
	if lightCount <= 1 {
		return 1
	}
	return (lightCount + 1) / 2
}
