package station

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/foldline-works/foldline/internal/core/domain"
)

// Kind names a workcenter family. Each command family accepts context only
// from stations of its kind.
type Kind string

const (
	KindCutting  Kind = "cutting"
	KindQA       Kind = "qa"
	KindAssembly Kind = "assembly"
	KindPacking  Kind = "packing"
)

// ValidKind reports whether k is one of the registered workcenter families.
func ValidKind(k Kind) bool {
	switch k {
	case KindCutting, KindQA, KindAssembly, KindPacking:
		return true
	}
	return false
}

// Station is one registered shop-floor workcenter. Stations are loaded at
// startup from YAML files and fingerprinted for staleness detection.
type Station struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Kind        Kind   `yaml:"kind"`
	Notes       string `yaml:"notes"`
	Fingerprint string `yaml:"-"` // SHA-256 of the raw YAML file; computed at load time
}

// rawStation is the on-disk YAML shape. One station per file.
type rawStation struct {
	ID    string `yaml:"id"`
	Name  string `yaml:"name"`
	Kind  string `yaml:"kind"`
	Notes string `yaml:"notes"`
}

// KindForCommand maps a command type to the workcenter kind allowed to issue
// it. The second return is false for commands no station issues: the
// assembly timeout comes from the watchdog, not the floor.
func KindForCommand(commandType string) (Kind, bool) {
	switch commandType {
	case domain.CmdRegisterSheet, domain.CmdStartSheet, domain.CmdCutSheet, domain.CmdReplaceCard:
		return KindCutting, true
	case domain.CmdStartCard, domain.CmdRecordQA, domain.CmdReworkCard, domain.CmdVoidCard:
		return KindQA, true
	case domain.CmdGatherCard, domain.CmdFlagAssembly:
		return KindAssembly, true
	case domain.CmdPackCard:
		return KindPacking, true
	}
	return "", false
}

// Registry holds the stations loaded from *.yaml files in a directory.
// Each file contains exactly one station at the top level. Stations are
// loaded once at startup and cached in memory.
type Registry struct {
	dir      string
	stations map[string]Station // keyed by ID
}

// NewRegistry creates a registry and eagerly loads all stations from dir.
// A missing directory is valid and yields an empty registry.
func NewRegistry(dir string) (*Registry, error) {
	reg := &Registry{
		dir:      dir,
		stations: make(map[string]Station),
	}
	if err := reg.load(); err != nil {
		return nil, err
	}
	return reg, nil
}

func (r *Registry) load() error {
	info, err := os.Stat(r.dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("station dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("station path %q is not a directory", r.dir)
	}

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("reading station dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() || (!strings.HasSuffix(e.Name(), ".yaml") && !strings.HasSuffix(e.Name(), ".yml")) {
			continue
		}

		path := filepath.Join(r.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading station file %s: %w", path, err)
		}

		var raw rawStation
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("parsing station file %s: %w", path, err)
		}
		if raw.ID == "" {
			continue // skip empty / comment-only files
		}

		if raw.Name == "" {
			return fmt.Errorf("station %q: name must not be empty", raw.ID)
		}
		if !ValidKind(Kind(raw.Kind)) {
			return fmt.Errorf("station %q: unsupported kind %q", raw.ID, raw.Kind)
		}

		if _, exists := r.stations[raw.ID]; exists {
			return fmt.Errorf("station %q: duplicate station id (check multiple YAML files)", raw.ID)
		}

		r.stations[raw.ID] = Station{
			ID:          raw.ID,
			Name:        raw.Name,
			Kind:        Kind(raw.Kind),
			Notes:       raw.Notes,
			Fingerprint: fmt.Sprintf("%x", sha256.Sum256(data)),
		}
	}
	return nil
}

// Get returns the station with the given id.
func (r *Registry) Get(id string) (*Station, error) {
	st, ok := r.stations[id]
	if !ok {
		return nil, fmt.Errorf("station %q not found", id)
	}
	return &st, nil
}

// All returns every registered station ordered by id.
func (r *Registry) All() []Station {
	out := make([]Station, 0, len(r.stations))
	for _, st := range r.stations {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Authorize checks that the command's station context names a registered
// station of the kind its command family requires. Commands no station
// issues pass unchecked.
func (r *Registry) Authorize(stationID, commandType string) error {
	kind, required := KindForCommand(commandType)
	if !required {
		return nil
	}
	if stationID == "" {
		return fmt.Errorf("command %s requires station context: %w", commandType, domain.ErrUnknownStation)
	}
	st, ok := r.stations[stationID]
	if !ok {
		return fmt.Errorf("station %s: %w", stationID, domain.ErrUnknownStation)
	}
	if st.Kind != kind {
		return fmt.Errorf("station %s is a %s station, command %s needs %s: %w",
			stationID, st.Kind, commandType, kind, domain.ErrUnknownStation)
	}
	return nil
}
