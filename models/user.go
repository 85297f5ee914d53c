package models

type User struct {
	Base
	Email string `json:"email" validate:"required,email"`
	Name  string `json:"name" validate:"required,max=100"`
	Role  Role   `json:"role" validate:"required,oneof=admin manager agent viewer"`
}
