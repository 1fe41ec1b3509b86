package scanner

import (
	"slices"
	"time"

	"github.com/srg/bletag/internal/device"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Entry is one row of the device list.
type Entry struct {
	Address          string
	Name             string
	RSSI             int
	State            device.LinkState
	Connectable      bool
	Services         []string
	ManufacturerData []byte
	LastSeen         time.Time

	// Values holds the last value read per characteristic UUID, in read order.
	Values *orderedmap.OrderedMap[string, []byte]
}

func newEntry(adv device.Advertisement) *Entry {
	e := &Entry{
		Address: adv.Addr(),
		State:   device.Disconnected,
		Values:  orderedmap.New[string, []byte](),
	}
	e.update(adv)
	return e
}

// update refreshes advertisement-derived fields; an empty name never
// replaces a known one.
func (e *Entry) update(adv device.Advertisement) {
	if name := adv.LocalName(); name != "" {
		e.Name = name
	}
	e.RSSI = adv.RSSI()
	e.Connectable = adv.Connectable()
	if svcs := adv.Services(); len(svcs) > 0 {
		e.Services = slices.Clone(svcs)
	}
	if md := adv.ManufacturerData(); len(md) > 0 {
		e.ManufacturerData = slices.Clone(md)
	}
	e.LastSeen = time.Now()
}

func (e *Entry) snapshot() Entry {
	c := *e
	c.Services = slices.Clone(e.Services)
	c.ManufacturerData = slices.Clone(e.ManufacturerData)
	c.Values = orderedmap.New[string, []byte]()
	for pair := e.Values.Oldest(); pair != nil; pair = pair.Next() {
		c.Values.Set(pair.Key, slices.Clone(pair.Value))
	}
	return c
}

// DisplayName returns the advertised name, or a placeholder for unnamed devices.
func (e Entry) DisplayName() string {
	if e.Name == "" {
		return "Unnamed"
	}
	return e.Name
}
