package siril

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Jbsco/ap-toolkit/internal/quality"
)

// Sequence manifest grammar, as written by the engine after
// registration:
//
//	S 'r_bkg_pp_light' 1 <count> <selected> 0 <ref> 4
//	I <index> <flag>
//	R0 <index> <fwhm> <wfwhm> <roundness> <quality> <background> <stars>
//
// I lines carry the per-frame selection flag; R0 lines carry the
// registration metrics. Frames that failed to register have no R0
// line. Everything else in the file is opaque and preserved verbatim.
const (
	headerPrefix = "S "
	framePrefix  = "I "
	regPrefix    = "R0 "
)

// Header field position of the selected-frame count, space-split.
const headerSelectedField = 4

// ReadQuality extracts one quality record per registered frame from
// the manifest, in file order.
func ReadQuality(manifestPath string) ([]quality.Record, error) {
	f, err := os.Open(manifestPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []quality.Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, regPrefix) {
			continue
		}
		rec, err := parseRegLine(line)
		if err != nil {
			return nil, fmt.Errorf("%s: %v", filepath.Base(manifestPath), err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func parseRegLine(line string) (quality.Record, error) {
	fields := strings.Fields(line)
	if len(fields) < 8 {
		return quality.Record{}, fmt.Errorf("malformed registration line: %q", line)
	}
	index, err := strconv.Atoi(fields[1])
	if err != nil {
		return quality.Record{}, fmt.Errorf("bad frame index in %q: %v", line, err)
	}
	fwhm, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return quality.Record{}, fmt.Errorf("bad fwhm in %q: %v", line, err)
	}
	roundness, err := strconv.ParseFloat(fields[4], 64)
	if err != nil {
		return quality.Record{}, fmt.Errorf("bad roundness in %q: %v", line, err)
	}
	stars, err := strconv.Atoi(fields[7])
	if err != nil {
		return quality.Record{}, fmt.Errorf("bad star count in %q: %v", line, err)
	}
	return quality.Record{Index: index, FWHM: fwhm, Stars: stars, Roundness: roundness}, nil
}

// ApplySelection rewrites the trailing selection flag of every frame
// record line to match included, updates the header's selected count,
// and leaves every other byte of the manifest untouched. The rewrite
// goes through a temporary file and an atomic rename so the original
// manifest survives any failure intact.
func ApplySelection(manifestPath string, included map[int]bool) error {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return fmt.Errorf("failed to read manifest: %w", err)
	}

	lines := strings.Split(string(data), "\n")
	selected := 0
	headerLine := -1

	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, headerPrefix):
			headerLine = i
		case strings.HasPrefix(line, framePrefix):
			fields := strings.Fields(line)
			if len(fields) < 3 {
				return fmt.Errorf("malformed frame record: %q", line)
			}
			index, err := strconv.Atoi(fields[1])
			if err != nil {
				return fmt.Errorf("bad frame index in %q: %v", line, err)
			}
			flag := "0"
			if included[index] {
				flag = "1"
				selected++
			}
			cut := strings.LastIndexByte(line, ' ')
			lines[i] = line[:cut+1] + flag
		}
	}

	if headerLine < 0 {
		return fmt.Errorf("manifest %s has no header line", filepath.Base(manifestPath))
	}
	fields := strings.Fields(lines[headerLine])
	if len(fields) <= headerSelectedField {
		return fmt.Errorf("malformed manifest header: %q", lines[headerLine])
	}
	fields[headerSelectedField] = strconv.Itoa(selected)
	lines[headerLine] = strings.Join(fields, " ")

	return replaceFile(manifestPath, []byte(strings.Join(lines, "\n")))
}

// replaceFile writes content to a temporary file next to path and
// atomically renames it into place.
func replaceFile(path string, content []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".seq-rewrite-*")
	if err != nil {
		return fmt.Errorf("failed to create temp manifest: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp manifest: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace manifest: %w", err)
	}
	return nil
}
