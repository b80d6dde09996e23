package models

import "fmt"

type TravelMode string

const (
	ModeRideshare   TravelMode = "rideshare"
	ModeRideshareXL TravelMode = "rideshare_xl"
	ModeCarpool     TravelMode = "carpool"
	ModeOther       TravelMode = "other"
)

// ModePolicy holds the mode-specific rules consulted by the ledger and the
// payment engine.
type ModePolicy struct {
	// SeatLimit returns the maximum number of member rows, or false when the
	// ride has no ceiling.
	SeatLimit func(r *RideGroup) (int, bool)
	// AssignRole returns the role for a user joining r.
	AssignRole      func(r *RideGroup, userID string) *Role
	DefaultCostType CostType
	// DriverDeclared rides take their ceiling from DriverSeats instead of Capacity.
	DriverDeclared bool
}

var modePolicies = map[TravelMode]ModePolicy{
	ModeRideshare:   capacityPolicy(CostRideshare),
	ModeRideshareXL: capacityPolicy(CostRideshare),
	ModeOther:       capacityPolicy(CostRideshare),
	ModeCarpool: {
		SeatLimit: func(r *RideGroup) (int, bool) {
			if r.DriverSeats == nil {
				return 0, false
			}
			// the driver occupies a row too
			return *r.DriverSeats + 1, true
		},
		AssignRole: func(r *RideGroup, userID string) *Role {
			role := RoleRider
			if userID == r.CreatedBy {
				role = RoleDriver
			}
			return &role
		},
		DefaultCostType: CostGas,
		DriverDeclared:  true,
	},
}

func capacityPolicy(cost CostType) ModePolicy {
	return ModePolicy{
		SeatLimit: func(r *RideGroup) (int, bool) {
			if r.Capacity == nil {
				return 0, false
			}
			return *r.Capacity, true
		},
		AssignRole:      func(*RideGroup, string) *Role { return nil },
		DefaultCostType: cost,
	}
}

// Policy returns the rules for m. Unknown modes fall back to ModeOther.
func (m TravelMode) Policy() ModePolicy {
	if p, ok := modePolicies[m]; ok {
		return p
	}
	return modePolicies[ModeOther]
}

func (m TravelMode) Valid() bool {
	_, ok := modePolicies[m]
	return ok
}

func ParseTravelMode(s string) (TravelMode, error) {
	m := TravelMode(s)
	if !m.Valid() {
		return "", fmt.Errorf("unknown travel mode %q", s)
	}
	return m, nil
}
