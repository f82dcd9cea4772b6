package domain

// Fragments are decoded partial records. A nil field was not present in the
// wire payload and must leave the stored value untouched.

// PortFragment is a full or partial port record.
type PortFragment struct {
	Number     int
	Enabled    *bool
	Legend     *string
	Protected  *bool
	LinkUp     *bool
	MemberType *MembershipType
	MemberID   *int
}

// PoePortFragment is a full or partial PoE port record.
type PoePortFragment struct {
	Number   int
	Enabled  *bool
	Sourcing *bool
}

// ProfileFragment is a full or partial profile record.
type ProfileFragment struct {
	ID        int
	Name      *string
	Empty     *bool
	Protected *bool
}

// IdentityFragment is a partial device identity.
type IdentityFragment struct {
	Name          *string
	Description   *string
	Serial        *string
	MACAddress    *string
	Model         *string
	ActiveProfile *string
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
