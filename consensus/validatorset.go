package consensus

import (
	"fmt"
	"sort"

	"github.com/happybigmtn/dicenet/identity"
)

// ValidatorStatus is a validator's standing in the current configuration.
type ValidatorStatus string

const (
	StatusActive      ValidatorStatus = "active"
	StatusExcluded    ValidatorStatus = "excluded"
	StatusCoolingDown ValidatorStatus = "cooling_down"
)

// MinValidators is the smallest set that tolerates a single Byzantine fault
// (n = 3f+1 with f = 1). Below this the engine halts new proposals.
const MinValidators = 4

// ValidatorInfo is one registry entry.
type ValidatorInfo struct {
	ID       identity.NodeID `json:"id"`
	Status   ValidatorStatus `json:"status"`
	LastSeen int64           `json:"last_seen,omitempty"`
}

// ValidatorSet is the versioned, id-keyed validator registry. A set is
// immutable; membership changes produce a new set with a bumped version,
// and only committed ReconfigureValidators operations produce them.
type ValidatorSet struct {
	version uint64
	members map[identity.NodeID]ValidatorInfo
	// sorted ids of active members, the basis for leader rotation
	active []identity.NodeID
}

// NewValidatorSet builds version 0 of the registry with every validator
// active. Node ids are hex-encoded public keys, so sorting them yields the
// same canonical order on every validator.
func NewValidatorSet(ids []identity.NodeID) *ValidatorSet {
	members := make(map[identity.NodeID]ValidatorInfo, len(ids))
	for _, id := range ids {
		members[id] = ValidatorInfo{ID: id, Status: StatusActive}
	}
	return build(0, members)
}

func build(version uint64, members map[identity.NodeID]ValidatorInfo) *ValidatorSet {
	active := make([]identity.NodeID, 0, len(members))
	for id, info := range members {
		if info.Status == StatusActive {
			active = append(active, id)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i] < active[j] })
	return &ValidatorSet{version: version, members: members, active: active}
}

// Version returns the configuration version, bumped on every change.
func (s *ValidatorSet) Version() uint64 { return s.version }

// Contains reports whether id is a member in any status.
func (s *ValidatorSet) Contains(id identity.NodeID) bool {
	_, ok := s.members[id]
	return ok
}

// IsActive reports whether id is an active member.
func (s *ValidatorSet) IsActive(id identity.NodeID) bool {
	info, ok := s.members[id]
	return ok && info.Status == StatusActive
}

// Status returns a member's status.
func (s *ValidatorSet) Status(id identity.NodeID) (ValidatorStatus, bool) {
	info, ok := s.members[id]
	return info.Status, ok
}

// Active returns the active validator ids in canonical order.
func (s *ValidatorSet) Active() []identity.NodeID {
	out := make([]identity.NodeID, len(s.active))
	copy(out, s.active)
	return out
}

// N returns the number of active validators.
func (s *ValidatorSet) N() int { return len(s.active) }

// F returns the number of Byzantine validators the active set tolerates.
func (s *ValidatorSet) F() int { return (len(s.active) - 1) / 3 }

// Quorum returns the 2f+1 vote threshold for the active set.
func (s *ValidatorSet) Quorum() int { return 2*s.F() + 1 }

// BelowSafetyMargin reports whether the active set can no longer sustain
// n = 3f+1 with f >= 1.
func (s *ValidatorSet) BelowSafetyMargin() bool { return len(s.active) < MinValidators }

// Leader returns the leader for a view, rotating round-robin over the
// active validators.
func (s *ValidatorSet) Leader(v View) identity.NodeID {
	if len(s.active) == 0 {
		return ""
	}
	return s.active[uint64(v)%uint64(len(s.active))]
}

// WithStatus returns a new configuration with the target's status changed.
// Reconfiguring an unknown validator is an error; validator sets never grow
// implicitly.
func (s *ValidatorSet) WithStatus(id identity.NodeID, status ValidatorStatus) (*ValidatorSet, error) {
	info, ok := s.members[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownValidator, id.Short())
	}
	if info.Status == status {
		return s, nil
	}
	members := make(map[identity.NodeID]ValidatorInfo, len(s.members))
	for k, v := range s.members {
		members[k] = v
	}
	info.Status = status
	members[id] = info
	return build(s.version+1, members), nil
}

// Members returns every registry entry, sorted by id.
func (s *ValidatorSet) Members() []ValidatorInfo {
	out := make([]ValidatorInfo, 0, len(s.members))
	for _, info := range s.members {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
