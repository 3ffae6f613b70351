package api

import (
	"fmt"
	"net/http"
	"strings"

	"fleettrack/internal/auth"
)

// bearerPrincipal verifies the request's bearer token. In dev mode the
// X-Operator-Id and X-Vehicle-Id headers stand in for a token.
func (s *Server) bearerPrincipal(r *http.Request) (auth.Principal, error) {
	authz := r.Header.Get("Authorization")
	if scheme, tok, ok := strings.Cut(authz, " "); ok && strings.EqualFold(scheme, "bearer") {
		return s.Auth.Verify(strings.TrimSpace(tok))
	}
	if s.Auth.Mode() == "dev" {
		if op := r.Header.Get("X-Operator-Id"); op != "" {
			return auth.Principal{OperatorID: op, VehicleID: r.Header.Get("X-Vehicle-Id"), Role: "operator"}, nil
		}
	}
	return auth.Principal{}, fmt.Errorf("%w: missing bearer token", auth.ErrInvalidToken)
}

// authorizeVehicle rejects a principal pinned to a different vehicle.
func authorizeVehicle(p auth.Principal, vehicleID string) error {
	if p.VehicleID != "" && p.VehicleID != vehicleID {
		return fmt.Errorf("%w: operator %s is not assigned to vehicle %s", auth.ErrInvalidToken, p.OperatorID, vehicleID)
	}
	return nil
}
