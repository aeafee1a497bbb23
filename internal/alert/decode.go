package alert

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/ampelproject/decentfilter/internal/errors"
)

// rawAlert accepts both the ZTF packet layout (candidate + prv_candidates)
// and the flat layout written by Alert's JSON tags.
type rawAlert struct {
	ObjectID      string      `json:"objectId"`
	CandID        json.Number `json:"candid"`
	Candidate     Detection   `json:"candidate"`
	PrvCandidates []Detection `json:"prv_candidates"`
	Detections    []Detection `json:"detections"`
	UpperLimits   []Detection `json:"upper_limits"`
}

// Decode reads one alert from r.
//
// In ZTF packets, previous candidates with a null candid are upper limits;
// the remaining previous candidates and the triggering candidate are
// detections.
func Decode(r io.Reader) (*Alert, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var raw rawAlert
	if err := dec.Decode(&raw); err != nil {
		return nil, errors.New(fmt.Errorf("decode alert: %w", err)).
			Component("alert").
			Category(errors.CategoryFileParsing).
			Build()
	}
	return raw.toAlert()
}

// Unmarshal decodes one alert from data.
func Unmarshal(data []byte) (*Alert, error) {
	return Decode(bytes.NewReader(data))
}

func (raw *rawAlert) toAlert() (*Alert, error) {
	var detections, upperLimits []Detection

	switch {
	case raw.Candidate != nil:
		detections = append(detections, raw.Candidate)
		for _, prv := range raw.PrvCandidates {
			if _, ok := prv.CandID(); ok {
				detections = append(detections, prv)
			} else {
				upperLimits = append(upperLimits, prv)
			}
		}
	case raw.Detections != nil:
		detections = raw.Detections
		upperLimits = raw.UpperLimits
	default:
		return nil, errors.Newf("alert %q has neither candidate nor detections", raw.ObjectID).
			Component("alert").
			Category(errors.CategoryValidation).
			Build()
	}

	var id int64
	if raw.CandID != "" {
		n, err := raw.CandID.Int64()
		if err != nil {
			return nil, errors.New(fmt.Errorf("alert %q: invalid candid %q: %w", raw.ObjectID, raw.CandID, err)).
				Component("alert").
				Category(errors.CategoryValidation).
				Build()
		}
		id = n
	} else if raw.Candidate != nil {
		id, _ = raw.Candidate.CandID()
	}

	return New(raw.ObjectID, id, detections, upperLimits), nil
}

// ReadFile loads alerts from a .json file (one alert or an array of alerts)
// or a .jsonl file (one alert per line).
func ReadFile(path string) ([]*Alert, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path supplied by the operator
	if err != nil {
		return nil, errors.FileError(fmt.Errorf("read alert file: %w", err), path, 0)
	}

	var alerts []*Alert
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".ndjson":
		alerts, err = decodeLines(data)
	default:
		alerts, err = decodeDocument(data)
	}
	if err != nil {
		return nil, errors.New(fmt.Errorf("%s: %w", filepath.Base(path), err)).
			Component("alert").
			Category(errors.CategoryFileParsing).
			FileContext(path, int64(len(data))).
			Build()
	}
	return alerts, nil
}

// ReadDir loads every .json, .jsonl and .ndjson file in dir, in name order.
func ReadDir(dir string) ([]*Alert, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.FileError(fmt.Errorf("read alert directory: %w", err), dir, 0)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".json", ".jsonl", ".ndjson":
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)

	var alerts []*Alert
	for _, name := range names {
		batch, err := ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, batch...)
	}
	return alerts, nil
}

// ReadPath loads alerts from a file or a directory.
func ReadPath(path string) ([]*Alert, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.FileError(fmt.Errorf("stat alert path: %w", err), path, 0)
	}
	if info.IsDir() {
		return ReadDir(path)
	}
	return ReadFile(path)
}

func decodeDocument(data []byte) ([]*Alert, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		var raws []rawAlert
		if err := dec.Decode(&raws); err != nil {
			return nil, fmt.Errorf("decode alert array: %w", err)
		}
		alerts := make([]*Alert, 0, len(raws))
		for i := range raws {
			a, err := raws[i].toAlert()
			if err != nil {
				return nil, fmt.Errorf("alert %d: %w", i, err)
			}
			alerts = append(alerts, a)
		}
		return alerts, nil
	}

	a, err := Unmarshal(trimmed)
	if err != nil {
		return nil, err
	}
	return []*Alert{a}, nil
}

func decodeLines(data []byte) ([]*Alert, error) {
	var alerts []*Alert
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		a, err := Unmarshal(text)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		alerts = append(alerts, a)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return alerts, nil
}
