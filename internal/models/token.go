package models

import "time"

// RefreshToken is the persisted record backing one issued refresh
// token, keyed by the jti embedded in the signed token. FamilyID links
// every token descended from one original login so a detected replay
// can revoke the whole chain.
type RefreshToken struct {
	JTI       string     `db:"jti" json:"jti"`
	Username  string     `db:"username" json:"username"`
	FamilyID  string     `db:"family_id" json:"family_id"`
	ExpiresAt time.Time  `db:"expires_at" json:"expires_at"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	Revoked   bool       `db:"revoked" json:"revoked"`
	RevokedAt *time.Time `db:"revoked_at" json:"revoked_at,omitempty"`
	UsedAt    *time.Time `db:"used_at" json:"used_at,omitempty"`
	DeviceID  string     `db:"device_id" json:"device_id"`
	IPAddress string     `db:"ip_address" json:"ip_address"`
}

// Consumed reports whether the record has been exchanged already.
func (t *RefreshToken) Consumed() bool {
	return t.UsedAt != nil
}
