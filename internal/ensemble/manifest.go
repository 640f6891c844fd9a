package ensemble

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

// ManifestEntry is one line written by runner.EnsembleRunner.Start:
// "<uuid> <workdir> <cmd...>".
type ManifestEntry struct {
	TaskID  uuid.UUID
	Workdir string
	Cmd     string
}

// ReadManifest parses the ensemble manifest file at path.
func ReadManifest(path string) ([]ManifestEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ensemble: open manifest: %w", err)
	}
	defer f.Close()

	var entries []ManifestEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, " ", 3)
		if len(fields) < 3 {
			return nil, fmt.Errorf("ensemble: malformed manifest line %q", line)
		}
		id, err := uuid.Parse(fields[0])
		if err != nil {
			return nil, fmt.Errorf("ensemble: malformed manifest line %q: %w", line, err)
		}
		entries = append(entries, ManifestEntry{TaskID: id, Workdir: fields[1], Cmd: fields[2]})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("ensemble: read manifest: %w", err)
	}
	return entries, nil
}
