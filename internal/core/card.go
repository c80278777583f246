package core

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
)

const cardPattern = "checkmateCard_*.dat"

// WriteCard serializes the job's sections as a steering card in a new,
// uniquely named file under dir (the working directory when dir is empty)
// and returns its absolute path. Values are written verbatim.
func WriteCard(dir string, job JobSpec) (string, error) {
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("card dir: %w", err)
		}
		dir = wd
	}
	f, err := os.CreateTemp(dir, cardPattern)
	if err != nil {
		return "", fmt.Errorf("create card: %w", err)
	}
	path, err := filepath.Abs(f.Name())
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("card path: %w", err)
	}

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "[%s]\n", ParametersHeader)
	writeFields(w, job.Parameters, false)
	for _, p := range job.Processes {
		name, _ := p.Get(FieldName)
		fmt.Fprintf(w, "\n[%s]\n", name)
		writeFields(w, p, true)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write card: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close card: %w", err)
	}
	return path, nil
}

func writeFields(w *bufio.Writer, s *Section, skipName bool) {
	if s == nil {
		return
	}
	for _, k := range s.Keys() {
		if skipName && k == FieldName {
			continue
		}
		v, _ := s.Get(k)
		fmt.Fprintf(w, "%s: %s\n", k, v)
	}
}
