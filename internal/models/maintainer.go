package models

type Maintainer struct {
	BaseModel

	Name        string  `gorm:"not null" json:"name"`
	Email       string  `gorm:"uniqueIndex;not null" json:"email"`
	PhoneNumber *string `json:"phone_number"`
	WebhookURL  *string `json:"webhook_url"`

	// Relationships
	Notifications []Notification `gorm:"foreignKey:MaintainerID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
}
