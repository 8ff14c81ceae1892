package principal

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/imageehr/ehr/internal/platform/geo"
)

// AllClinicsName is the clinic name reported for principals without a clinic.
const AllClinicsName = "All Clinics"

// ErrUnknownRole is returned when a stored role is not one of the known roles.
var ErrUnknownRole = errors.New("unknown role")

// Role is the closed set of roles a principal can hold.
type Role string

const (
	RoleAdmin        Role = "admin"
	RoleManager      Role = "manager"
	RoleEMOCStaff    Role = "emoc_staff"
	RoleCounselor    Role = "counselor"
	RoleStaff        Role = "staff"
	RoleDoctor       Role = "doctor"
	RoleNurse        Role = "nurse"
	RoleReceptionist Role = "receptionist"
)

var knownRoles = map[Role]struct{}{
	RoleAdmin: {}, RoleManager: {}, RoleEMOCStaff: {}, RoleCounselor: {},
	RoleStaff: {}, RoleDoctor: {}, RoleNurse: {}, RoleReceptionist: {},
}

// ParseRole converts a stored role string into a Role.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if _, ok := knownRoles[r]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
	}
	return r, nil
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := knownRoles[r]
	return ok
}

// Elevated reports whether r grants cross-clinic administrative views.
func (r Role) Elevated() bool {
	return r == RoleAdmin || r == RoleManager || r == RoleEMOCStaff
}

func (r *Role) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseRole(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// RoleSet is an unordered set of roles. A nil or empty set means "any role".
type RoleSet []Role

// Roles builds a RoleSet.
func Roles(roles ...Role) RoleSet { return RoleSet(roles) }

// Contains reports whether r is in the set.
func (s RoleSet) Contains(r Role) bool {
	for _, x := range s {
		if x == r {
			return true
		}
	}
	return false
}

// ClinicScope is either "all clinics" or a single clinic. The zero value is
// all clinics.
type ClinicScope struct {
	id         uuid.UUID
	restricted bool
}

// AllClinics returns the unrestricted scope.
func AllClinics() ClinicScope { return ClinicScope{} }

// SingleClinic returns a scope limited to one clinic.
func SingleClinic(id uuid.UUID) ClinicScope {
	return ClinicScope{id: id, restricted: true}
}

// ScopeFromNullable maps a nullable clinic column onto a scope.
func ScopeFromNullable(id *uuid.UUID) ClinicScope {
	if id == nil {
		return AllClinics()
	}
	return SingleClinic(*id)
}

// IsAll reports whether the scope covers every clinic.
func (s ClinicScope) IsAll() bool { return !s.restricted }

// ClinicID returns the clinic of a restricted scope.
func (s ClinicScope) ClinicID() (uuid.UUID, bool) { return s.id, s.restricted }

// Permits reports whether the scope allows acting on clinic.
func (s ClinicScope) Permits(clinic uuid.UUID) bool {
	return !s.restricted || s.id == clinic
}

// Nullable is the inverse of ScopeFromNullable.
func (s ClinicScope) Nullable() *uuid.UUID {
	if !s.restricted {
		return nil
	}
	id := s.id
	return &id
}

func (s ClinicScope) String() string {
	if !s.restricted {
		return "all"
	}
	return s.id.String()
}

func (s ClinicScope) MarshalJSON() ([]byte, error) {
	if !s.restricted {
		return []byte("null"), nil
	}
	return json.Marshal(s.id.String())
}

func (s *ClinicScope) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*s = AllClinics()
		return nil
	}
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return fmt.Errorf("clinic scope: %w", err)
	}
	*s = SingleClinic(id)
	return nil
}

// LastLogin records where and when a principal last signed in. Geo is nil
// when the location could not be resolved.
type LastLogin struct {
	At  time.Time     `json:"at"`
	IP  string        `json:"ip"`
	Geo *geo.Location `json:"geo,omitempty"`
}

// Principal is an identity allowed to sign in. It never carries the stored
// credential.
type Principal struct {
	ID                uuid.UUID   `json:"id"`
	Username          string      `json:"username"`
	FullName          string      `json:"full_name"`
	Email             *string     `json:"email,omitempty"`
	Phone             *string     `json:"phone,omitempty"`
	Role              Role        `json:"role"`
	ClinicScope       ClinicScope `json:"clinic_id"`
	ClinicName        string      `json:"clinic_name"`
	Active            bool        `json:"active"`
	HasElevatedAccess bool        `json:"has_elevated_access"`
	LastLogin         *LastLogin  `json:"last_login,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
}

// Record is a principal as stored, including its credential.
type Record struct {
	Principal
	Credential string `json:"-"`
}

// Clinic maps to the clinics table.
type Clinic struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Address   *string   `json:"address,omitempty"`
	Phone     *string   `json:"phone,omitempty"`
	Email     *string   `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
