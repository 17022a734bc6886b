package models

// Actor identifies who performed a mutating operation. Every mutating call
// takes one explicitly; there is no implicit system identity.
type Actor struct {
	ID   string `json:"id" validate:"required"`
	Name string `json:"name"`
	Role string `json:"role" validate:"required"`
}
