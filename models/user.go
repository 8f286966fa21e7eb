package models

import "time"

// User model. ForwardingAddress is the per-user inbound address that the
// email front door resolves to an account.
type User struct {
	ID                uint       `gorm:"primaryKey" json:"id"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	DeletedAt         *time.Time `gorm:"index" json:"-"`
	Username          string     `gorm:"size:255;not null;unique" json:"username"`
	HashedPassword    []byte     `gorm:"not null" json:"-"`
	ForwardingAddress string     `gorm:"size:255;uniqueIndex" json:"forwarding_address"`
	Active            bool       `gorm:"default:true;not null" json:"active"`
}
