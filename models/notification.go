package models

type Notification struct {
	Base
	UserID  string `json:"userId,omitempty"`
	Title   string `json:"title" validate:"required,max=150"`
	Message string `json:"message" validate:"max=1000"`
	Type    string `json:"type,omitempty"`
	Read    bool   `json:"read"`
}
