package models

// Query parameters for the ops API.

type PositionsRequest struct {
	Symbol string `query:"symbol" json:"symbol" validate:"omitempty,max=32"`
	Status string `query:"status" json:"status" default:"active" validate:"oneof=active all closed"`
	Limit  int    `query:"limit" json:"limit" default:"100" validate:"gte=1,lte=1000"`
}

type BarsRequest struct {
	Symbol string `query:"symbol" json:"symbol" validate:"required,max=32"`
	Limit  int    `query:"limit" json:"limit" default:"100" validate:"gte=1,lte=5000"`
}

type InspectRequest struct {
	Symbol string `query:"symbol" json:"symbol" validate:"required,max=32"`
	N      int    `query:"n" json:"n" validate:"gte=0,lte=5000"`
}
