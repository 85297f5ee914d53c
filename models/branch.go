package models

type Branch struct {
	Base
	Name     string `json:"name" validate:"required,max=100"`
	Location string `json:"location,omitempty" validate:"max=200"`
	Phone    string `json:"phone,omitempty" validate:"max=20"`
	IsActive *bool  `json:"isActive,omitempty"`
}
