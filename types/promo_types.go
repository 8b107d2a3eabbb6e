package types

import "time"

type PromoCode struct {
	ID             int64
	Code           string
	BonusDays      int
	MaxActivations int
	Activations    int
	Active         bool
	ValidFrom      *time.Time
	ValidUntil     *time.Time
	CreatedBy      int64
	CreatedAt      time.Time
}

func (p *PromoCode) WithinWindow(now time.Time) bool {
	if p.ValidFrom != nil && now.Before(*p.ValidFrom) {
		return false
	}
	if p.ValidUntil != nil && !now.Before(*p.ValidUntil) {
		return false
	}
	return true
}

type BonusGrant struct {
	UserID    int64
	Code      string
	BonusDays int
	ExpiresAt time.Time
}
