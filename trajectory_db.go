package moveit_sim

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

const unnamedTrajectory = "Unnamed"

var defaultVelAcc = []float64{1, 1}

// TrajectoryFileFormat is the on-disk layout of a saved trajectory.
type TrajectoryFileFormat struct {
	Name          string          `json:"name"`
	Positions     []PointMsg      `json:"positions"`
	Rotations     []QuaternionMsg `json:"rotations"`
	StartingState JointState      `json:"startingState"`
	VelAcc        []float64       `json:"velAcc,omitempty"`
}

func toFileFormat(t InverseTrajectory) TrajectoryFileFormat {
	f := TrajectoryFileFormat{
		Name:          t.Name,
		Rotations:     append([]QuaternionMsg(nil), t.Rotations...),
		StartingState: t.StartingState,
		VelAcc:        append([]float64(nil), t.VelAcc...),
	}
	for _, p := range t.Positions {
		f.Positions = append(f.Positions, PointFromVector(p))
	}
	return f
}

func (f TrajectoryFileFormat) trajectory() InverseTrajectory {
	t := InverseTrajectory{
		Name:          f.Name,
		Rotations:     append([]QuaternionMsg(nil), f.Rotations...),
		StartingState: f.StartingState,
		VelAcc:        append([]float64(nil), f.VelAcc...),
	}
	for _, p := range f.Positions {
		t.Positions = append(t.Positions, p.Vector())
	}
	if len(t.VelAcc) < 2 {
		t.VelAcc = append([]float64(nil), defaultVelAcc...)
	}
	return t
}

// TrajectoryDatabase persists named inverse trajectories as one JSON file each
// under a directory, and tracks the trajectory currently being recorded.
type TrajectoryDatabase struct {
	dir    string
	logger logging.Logger

	mu      sync.RWMutex
	all     map[string]InverseTrajectory
	current string
}

// NewTrajectoryDatabase opens dir, creating it when missing, and loads every
// trajectory in it.
func NewTrajectoryDatabase(dir string, logger logging.Logger) (*TrajectoryDatabase, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating trajectory directory %s", dir)
	}
	db := &TrajectoryDatabase{dir: dir, logger: logger, all: make(map[string]InverseTrajectory)}
	if err := db.LoadAll(); err != nil {
		return nil, err
	}
	return db, nil
}

func (db *TrajectoryDatabase) Dir() string { return db.dir }

// LoadAll re-reads every *.json file in the directory. Unreadable files are
// logged and skipped.
func (db *TrajectoryDatabase) LoadAll() error {
	entries, err := os.ReadDir(db.dir)
	if err != nil {
		return errors.Wrapf(err, "listing %s", db.dir)
	}
	loaded := make(map[string]InverseTrajectory)
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		t, err := LoadTrajectoryFromFile(filepath.Join(db.dir, e.Name()))
		if err != nil {
			db.logger.Warnf("skipping trajectory %s: %v", e.Name(), err)
			continue
		}
		if t.Name == "" {
			t.Name = strings.TrimSuffix(e.Name(), ".json")
		}
		loaded[t.Name] = t
	}
	db.mu.Lock()
	db.all = loaded
	db.mu.Unlock()
	return nil
}

func (db *TrajectoryDatabase) Get(name string) (InverseTrajectory, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	t, ok := db.all[name]
	return t, ok
}

// List returns the stored trajectory names, sorted.
func (db *TrajectoryDatabase) List() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	names := make([]string, 0, len(db.all))
	for n := range db.all {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Begin starts recording a new trajectory seeded from start. An existing
// trajectory with the same name is replaced on the next save.
func (db *TrajectoryDatabase) Begin(name string, start JointState) InverseTrajectory {
	if name == "" {
		name = unnamedTrajectory
	}
	t := InverseTrajectory{
		Name:          name,
		StartingState: start.Clone(),
		VelAcc:        append([]float64(nil), defaultVelAcc...),
	}
	db.mu.Lock()
	db.all[name] = t
	db.current = name
	db.mu.Unlock()
	return t
}

// Current returns the trajectory being recorded.
func (db *TrajectoryDatabase) Current() (InverseTrajectory, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.current == "" {
		return InverseTrajectory{}, false
	}
	t, ok := db.all[db.current]
	return t, ok
}

// AddPose appends a waypoint to the current trajectory and saves it.
func (db *TrajectoryDatabase) AddPose(position r3.Vector, rotation QuaternionMsg) (InverseTrajectory, error) {
	db.mu.Lock()
	if db.current == "" {
		db.mu.Unlock()
		return InverseTrajectory{}, errors.New("no trajectory is being recorded")
	}
	t := db.all[db.current]
	t.Positions = append(append([]r3.Vector(nil), t.Positions...), position)
	t.Rotations = append(append([]QuaternionMsg(nil), t.Rotations...), rotation)
	db.all[db.current] = t
	db.mu.Unlock()
	return t, db.Save(t)
}

// SetVelAcc updates the scaling factors of a stored trajectory.
func (db *TrajectoryDatabase) SetVelAcc(name string, velocity, acceleration float64) error {
	t, ok := db.Get(name)
	if !ok {
		return errors.Wrap(ErrTrajectoryNotFound, name)
	}
	t.VelAcc = []float64{velocity, acceleration}
	return db.Save(t)
}

// Save writes t to <dir>/<name>.json and indexes it.
func (db *TrajectoryDatabase) Save(t InverseTrajectory) error {
	if t.Name == "" {
		t.Name = unnamedTrajectory
	}
	if len(t.VelAcc) < 2 {
		t.VelAcc = append([]float64(nil), defaultVelAcc...)
	}
	if err := SaveTrajectoryToFile(db.path(t.Name), t); err != nil {
		return err
	}
	db.mu.Lock()
	db.all[t.Name] = t
	db.mu.Unlock()
	return nil
}

// Delete removes a stored trajectory.
func (db *TrajectoryDatabase) Delete(name string) error {
	db.mu.Lock()
	_, ok := db.all[name]
	delete(db.all, name)
	if db.current == name {
		db.current = ""
	}
	db.mu.Unlock()
	if !ok {
		return errors.Wrap(ErrTrajectoryNotFound, name)
	}
	if err := os.Remove(db.path(name)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "deleting trajectory %s", name)
	}
	return nil
}

func (db *TrajectoryDatabase) path(name string) string {
	return filepath.Join(db.dir, filepath.Base(name)+".json")
}

// LoadTrajectoryFromFile reads a single saved trajectory.
func LoadTrajectoryFromFile(path string) (InverseTrajectory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return InverseTrajectory{}, errors.Wrap(err, "failed to read trajectory file")
	}
	var f TrajectoryFileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		return InverseTrajectory{}, errors.Wrap(err, "failed to parse trajectory JSON")
	}
	if len(f.Positions) != len(f.Rotations) {
		return InverseTrajectory{}, errors.Wrapf(ErrInvalidTrajectory,
			"%d positions, %d rotations", len(f.Positions), len(f.Rotations))
	}
	return f.trajectory(), nil
}

// SaveTrajectoryToFile writes t as indented JSON.
func SaveTrajectoryToFile(path string, t InverseTrajectory) error {
	data, err := json.MarshalIndent(toFileFormat(t), "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal trajectory")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(err, "failed to write trajectory file")
	}
	return nil
}
