package memory

import (
	"context"
	"sort"

	"warden.dev/internal/errs"
	"warden.dev/internal/ids"
	"warden.dev/internal/security"
)

func cloneDevice(d *security.TrustedDevice) security.TrustedDevice {
	out := *d
	out.RevokedAt = copyTime(d.RevokedAt)
	return out
}

func (s *Store) FindTrustedDevice(ctx context.Context, userID, fingerprint string) (security.TrustedDevice, error) {
	s.deviceMu.RLock()
	defer s.deviceMu.RUnlock()
	id, ok := s.deviceBy[pair(userID, fingerprint)]
	if !ok {
		return security.TrustedDevice{}, errs.NotFound("trusted device", fingerprint)
	}
	return cloneDevice(s.devices[id]), nil
}

func (s *Store) CreateTrustedDevice(ctx context.Context, d *security.TrustedDevice) error {
	s.deviceMu.Lock()
	defer s.deviceMu.Unlock()
	key := pair(d.UserID, d.Fingerprint)
	if _, taken := s.deviceBy[key]; taken {
		return errs.Conflict("trusted device", d.Fingerprint, "device already registered")
	}
	if d.ID == "" {
		d.ID = ids.New()
	}
	if d.Version == 0 {
		d.Version = 1
	}
	cp := cloneDevice(d)
	s.devices[d.ID] = &cp
	s.deviceBy[key] = d.ID
	return nil
}

func (s *Store) UpdateTrustedDevice(ctx context.Context, d *security.TrustedDevice) error {
	s.deviceMu.Lock()
	defer s.deviceMu.Unlock()
	cur, ok := s.devices[d.ID]
	if !ok {
		return errs.NotFound("trusted device", d.ID)
	}
	if cur.Version != d.Version {
		return errs.Concurrency("trusted device", d.ID)
	}
	if cur.UserID != d.UserID || cur.Fingerprint != d.Fingerprint {
		return errs.Validation("trusted device", "owner and fingerprint cannot change")
	}
	d.Version++
	cp := cloneDevice(d)
	s.devices[d.ID] = &cp
	return nil
}

func (s *Store) ListTrustedDevices(ctx context.Context, userID string) ([]security.TrustedDevice, error) {
	s.deviceMu.RLock()
	defer s.deviceMu.RUnlock()
	var out []security.TrustedDevice
	for _, d := range s.devices {
		if d.UserID == userID {
			out = append(out, cloneDevice(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
