// Package model 定义了与数据库表对应的 Go 结构体。
package model

import "time"

// 账号来源。
const (
	ProviderPassword = "password"
	ProviderGoogle   = "google"
)

// User 对应 users 表，是本地身份提供方的账号记录。
type User struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Email       string    `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"`
	DisplayName string    `gorm:"type:varchar(100)" json:"displayName"`
	Password    string    `gorm:"type:varchar(255)" json:"-"`
	Provider    string    `gorm:"type:varchar(32);not null;default:'password'" json:"provider"`
	Subject     string    `gorm:"type:varchar(255);index" json:"-"` // 第三方身份提供方的用户标识
	AvatarURL   string    `gorm:"type:varchar(512)" json:"avatarUrl"`
	Disabled    bool      `gorm:"not null;default:false" json:"disabled"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (User) TableName() string {
	return "users"
}

// SessionIdentity 是登录成功后得到的身份：令牌加展示信息。
type SessionIdentity struct {
	UserID       uint   `json:"userId"`
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	AvatarURL    string `json:"avatarUrl,omitempty"`
	Provider     string `json:"provider"`
}
