package frames

import (
	"sync"
	"time"

	"flight-for-life/models"

	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultSize = 256

// Frame is the latest evidence image received for a drone.
type Frame struct {
	Data       []byte
	ReceivedAt time.Time
}

// Cache keeps the most recent frame per drone, evicting the least recently
// updated drones beyond its capacity. Stored bytes are never mutated.
type Cache struct {
	mu       sync.Mutex
	items    *lru.Cache[models.DroneID, Frame]
	evidence *lru.Cache[string, Frame]
	now      func() time.Time
}

func New(size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultSize
	}
	items, err := lru.New[models.DroneID, Frame](size)
	if err != nil {
		return nil, err
	}
	evidence, err := lru.New[string, Frame](size)
	if err != nil {
		return nil, err
	}
	return &Cache{items: items, evidence: evidence, now: time.Now}, nil
}

func (c *Cache) Put(drone models.DroneID, data []byte) {
	if drone == "" || len(data) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items.Add(drone, Frame{Data: data, ReceivedAt: c.now().UTC()})
}

func (c *Cache) Latest(drone models.DroneID) (Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items.Get(drone)
}

// PutEvidence keeps the frame an alert was raised with, addressable by
// alert id after newer frames from the same drone arrive.
func (c *Cache) PutEvidence(alertID string, data []byte) {
	if alertID == "" || len(data) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evidence.Add(alertID, Frame{Data: data, ReceivedAt: c.now().UTC()})
}

func (c *Cache) Evidence(alertID string) (Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evidence.Get(alertID)
}

func (c *Cache) Len() int {
	return c.items.Len()
}
