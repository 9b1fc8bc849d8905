package fleet

import (
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"flight-for-life/models"
)

var ErrNotFound = errors.New("drone not found")

// AlertIndex reports whether a drone has an active alert. The registry never
// stores the flag itself.
type AlertIndex interface {
	IsActive(id models.DroneID) bool
}

// Drone is the registry's record of one drone.
type Drone struct {
	ID         models.DroneID
	Position   *models.Position
	HumanCount int
	UpdatedAt  time.Time
}

func (d Drone) HasPosition() bool {
	return d.Position != nil
}

type entry struct {
	mu    sync.Mutex
	drone Drone
}

// Registry owns the drone-state table. Records are created on first
// reference and never deleted for the lifetime of the process; a drone
// missing from later telemetry keeps its last known state.
type Registry struct {
	mu     sync.RWMutex
	drones map[models.DroneID]*entry
	alerts AlertIndex
}

func NewRegistry(alerts AlertIndex) *Registry {
	return &Registry{
		drones: make(map[models.DroneID]*entry),
		alerts: alerts,
	}
}

// lookup returns the entry for id, creating it if needed. Only the map is
// guarded here; the entry has its own lock so distinct drones never contend.
func (r *Registry) lookup(id models.DroneID) *entry {
	r.mu.RLock()
	e, ok := r.drones[id]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok = r.drones[id]; ok {
		return e
	}
	e = &entry{drone: Drone{ID: id}}
	r.drones[id] = e
	return e
}

// UpsertPosition records a new fix for id and returns the annotated view.
func (r *Registry) UpsertPosition(id models.DroneID, pos models.Position, at time.Time) models.DroneView {
	e := r.lookup(id)

	e.mu.Lock()
	p := models.Position{Lat: pos.Lat, Lng: pos.Lng, Alt: copyFloat(pos.Alt), Heading: copyFloat(pos.Heading)}
	e.drone.Position = &p
	e.drone.UpdatedAt = at
	d := e.drone
	e.mu.Unlock()

	return r.annotate(d)
}

// UpsertDetectionCount records the most recent human count for id.
func (r *Registry) UpsertDetectionCount(id models.DroneID, count int, at time.Time) models.DroneView {
	e := r.lookup(id)

	e.mu.Lock()
	e.drone.HumanCount = count
	e.drone.UpdatedAt = at
	d := e.drone
	e.mu.Unlock()

	return r.annotate(d)
}

// Get returns a copy of the record for id.
func (r *Registry) Get(id models.DroneID) (Drone, error) {
	r.mu.RLock()
	e, ok := r.drones[id]
	r.mu.RUnlock()
	if !ok {
		return Drone{}, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	d := e.drone
	if d.Position != nil {
		p := *d.Position
		p.Alt, p.Heading = copyFloat(p.Alt), copyFloat(p.Heading)
		d.Position = &p
	}
	return d, nil
}

// Snapshot returns every known drone ordered by id, each annotated with its
// current alert flag.
func (r *Registry) Snapshot() []models.DroneView {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.drones))
	for _, e := range r.drones {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	views := make([]models.DroneView, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		d := e.drone
		e.mu.Unlock()
		views = append(views, r.annotate(d))
	}
	sort.Slice(views, func(i, j int) bool {
		return lessID(views[i].ID, views[j].ID)
	})
	return views
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.drones)
}

func (r *Registry) annotate(d Drone) models.DroneView {
	v := models.DroneView{
		ID:         d.ID,
		HumanCount: d.HumanCount,
		UpdatedAt:  d.UpdatedAt,
	}
	if d.Position != nil {
		lat, lng := d.Position.Lat, d.Position.Lng
		v.Lat, v.Lng = &lat, &lng
		v.Alt = copyFloat(d.Position.Alt)
		v.Heading = copyFloat(d.Position.Heading)
	}
	if r.alerts != nil {
		v.Alert = r.alerts.IsActive(d.ID)
	}
	return v
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

// lessID orders numeric ids numerically and places them before other ids.
func lessID(a, b models.DroneID) bool {
	na, errA := strconv.ParseInt(string(a), 10, 64)
	nb, errB := strconv.ParseInt(string(b), 10, 64)
	switch {
	case errA == nil && errB == nil:
		return na < nb
	case errA == nil:
		return true
	case errB == nil:
		return false
	}
	return a < b
}
