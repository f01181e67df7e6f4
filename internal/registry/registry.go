// Package registry tracks discovered device advertisements and maps the
// short codes printed on physical units to transport addresses.
package registry

import (
	"fmt"
	"sort"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/pasgo/pascli/internal/pasco"
	"github.com/pasgo/pascli/internal/transport"
)

// InvalidCodeError reports a device code that is not two groups of three
// digits separated by a hyphen.
type InvalidCodeError struct {
	Code string
}

func (e *InvalidCodeError) Error() string {
	return fmt.Sprintf("invalid device code %q: expected form 178-396", e.Code)
}

// UnknownDeviceError reports a well-formed code no scan has ever seen.
type UnknownDeviceError struct {
	Code string
}

func (e *UnknownDeviceError) Error() string {
	return fmt.Sprintf("unknown device %q: not seen in any scan", e.Code)
}

// Registry is the in-memory advertisement table. Scans are cumulative
// across a shell lifetime; there is no persistence across restarts.
type Registry struct {
	devices *hashmap.Map[string, transport.DeviceAdvertisement]
	logger  *logrus.Logger
}

// New creates an empty registry.
func New(logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		devices: hashmap.New[string, transport.DeviceAdvertisement](),
		logger:  logger,
	}
}

// ValidateCode checks the code format before any lookup.
func ValidateCode(code string) error {
	if !pasco.ValidCode(code) {
		return &InvalidCodeError{Code: code}
	}
	return nil
}

// Record inserts or replaces the advertisement for its code. The previous
// snapshot, if any, is superseded rather than mutated.
func (r *Registry) Record(adv transport.DeviceAdvertisement) {
	_, existed := r.devices.Get(adv.Code)
	r.devices.Set(adv.Code, adv)
	if !existed {
		r.logger.WithFields(logrus.Fields{
			"code":    adv.Code,
			"name":    adv.Name,
			"address": adv.Address,
			"rssi":    adv.RSSI,
		}).Info("Discovered new device")
	}
}

// Resolve returns the latest advertisement for a code.
func (r *Registry) Resolve(code string) (transport.DeviceAdvertisement, error) {
	if err := ValidateCode(code); err != nil {
		return transport.DeviceAdvertisement{}, err
	}
	adv, ok := r.devices.Get(code)
	if !ok {
		return transport.DeviceAdvertisement{}, &UnknownDeviceError{Code: code}
	}
	return adv, nil
}

// List returns a snapshot of all known advertisements, sorted by code.
func (r *Registry) List() []transport.DeviceAdvertisement {
	advs := make([]transport.DeviceAdvertisement, 0, r.devices.Len())
	r.devices.Range(func(_ string, adv transport.DeviceAdvertisement) bool {
		advs = append(advs, adv)
		return true
	})
	sort.Slice(advs, func(i, j int) bool {
		return advs[i].Code < advs[j].Code
	})
	return advs
}

// Clear discards every recorded advertisement.
func (r *Registry) Clear() {
	r.devices.Range(func(code string, _ transport.DeviceAdvertisement) bool {
		r.devices.Del(code)
		return true
	})
}

// Len returns the number of known devices.
func (r *Registry) Len() int {
	return r.devices.Len()
}
