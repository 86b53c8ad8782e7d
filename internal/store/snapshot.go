package store

import (
	"encoding/hex"
	"sort"
	"time"
)

// Snapshot DTOs returned by the HTTP surface. Maps are materialized and
// sorted so output is stable.

type CharacteristicSnapshot struct {
	UUID       string          `json:"uuid"`
	Name       string          `json:"name,omitempty"`
	NumUpdates int64           `json:"num_updates"`
	Values     []DataPointJSON `json:"values"`
}

type DataPointJSON struct {
	Ts    time.Time   `json:"ts"`
	Value interface{} `json:"value"`
	Raw   string      `json:"raw"`
}

type ServiceSnapshot struct {
	UUID            string                   `json:"uuid"`
	UpdatedAt       time.Time                `json:"updated_at"`
	NumUpdates      int64                    `json:"num_updates"`
	Characteristics []CharacteristicSnapshot `json:"characteristics"`
}

type PeripheralSnapshot struct {
	Adapter    string            `json:"adapter"`
	Peripheral string            `json:"peripheral"`
	UpdatedAt  time.Time         `json:"updated_at"`
	NumUpdates int64             `json:"num_updates"`
	Services   []ServiceSnapshot `json:"services"`
}

// Snapshot materializes the whole registry.
func (s *Store) Snapshot() []PeripheralSnapshot {
	var out []PeripheralSnapshot

	s.peripherals.Range(func(key string, ps *PeripheralStore) bool {
		peripheral := key[len(ps.Adapter)+1:]

		snap := PeripheralSnapshot{
			Adapter:    ps.Adapter,
			Peripheral: peripheral,
			UpdatedAt:  time.Unix(0, ps.updatedAt.Load()),
			NumUpdates: ps.numUpdates.Load(),
		}

		ps.services.Range(func(svcUUID string, svc *ServiceStore) bool {
			svcSnap := ServiceSnapshot{
				UUID:       svcUUID,
				UpdatedAt:  time.Unix(0, svc.updatedAt.Load()),
				NumUpdates: svc.numUpdates.Load(),
			}

			svc.characteristics.Range(func(chUUID string, ch *CharacteristicStore) bool {
				chSnap := CharacteristicSnapshot{
					UUID:       chUUID,
					Name:       ch.Name,
					NumUpdates: ch.numUpdates.Load(),
				}
				for _, dp := range ch.values.Snapshot() {
					chSnap.Values = append(chSnap.Values, DataPointJSON{
						Ts:    dp.Ts,
						Value: dp.Value,
						Raw:   hex.EncodeToString(dp.Raw),
					})
				}
				svcSnap.Characteristics = append(svcSnap.Characteristics, chSnap)
				return true
			})

			sort.Slice(svcSnap.Characteristics, func(i, j int) bool {
				return svcSnap.Characteristics[i].UUID < svcSnap.Characteristics[j].UUID
			})
			snap.Services = append(snap.Services, svcSnap)
			return true
		})

		sort.Slice(snap.Services, func(i, j int) bool {
			return snap.Services[i].UUID < snap.Services[j].UUID
		})
		out = append(out, snap)
		return true
	})

	sort.Slice(out, func(i, j int) bool {
		if out[i].Adapter != out[j].Adapter {
			return out[i].Adapter < out[j].Adapter
		}
		return out[i].Peripheral < out[j].Peripheral
	})
	return out
}
