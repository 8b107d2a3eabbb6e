package types

import "time"

type User struct {
	ID         int64
	Username   string
	FirstName  string
	Language   string
	Banned     bool
	PanelUUID  *string
	ReferredBy *int64
	TrialUsed  bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Subscription is the single validity row of a user. It is mutated on every credit, never duplicated.
type Subscription struct {
	UserID            int64
	ExpiresAt         time.Time
	TrafficLimitBytes int64
	ResourceGroups    []string
	Source            SubscriptionSource
	NotifiedExpiresAt *time.Time
	NotifiedStage     *int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (s *Subscription) ActiveAt(now time.Time) bool {
	return s != nil && s.ExpiresAt.After(now)
}

type NotificationEvent struct {
	UserID     int64            `json:"user_id"`
	Kind       NotificationKind `json:"kind"`
	DaysLeft   int              `json:"days_left,omitempty"`
	ExpiresAt  *time.Time       `json:"expires_at,omitempty"`
	BonusDays  int              `json:"bonus_days,omitempty"`
	Detail     string           `json:"detail,omitempty"`
	OccurredAt time.Time        `json:"occurred_at"`
}
