package models

import "time"

// Language is the user's preferred UI language.
type Language string

const (
	LanguageEnUS Language = "en-us"
	LanguageZhCN Language = "zh-cn"
)

// IsValid checks if the language is supported.
func (l Language) IsValid() bool {
	return l == LanguageEnUS || l == LanguageZhCN
}

// User is an account created through SSO.
//
// Email is the (currently unused) login email and is unique when present.
// ContactEmail is mandatory but not unique; it only gives us a way to
// reach the user if SSO stops working, so it is stored unverified.
type User struct {
	ID           int64     `gorm:"primaryKey" json:"id"`
	Email        *string   `gorm:"uniqueIndex;size:255" json:"email"`
	ContactEmail string    `gorm:"not null;size:255" json:"contact_email"`
	GithubUID    *int64    `gorm:"uniqueIndex" json:"-"`
	Language     Language  `gorm:"not null;size:16" json:"language"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for User.
func (User) TableName() string {
	return "users"
}
